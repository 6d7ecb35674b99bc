package cosem_test

import (
	"fmt"
	"strings"

	"github.com/cybroslabs/libdlms-server-go/cosem"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

func ExampleLoad() {
	table, err := cosem.Load(strings.NewReader(`
objects:
  - class: register
    ln: 1-0:1.8.0.255
    value: {type: double-long-unsigned, value: 1500}
    scaler: -3
    unit: 30
`), cosem.TableOptions{})
	if err != nil {
		fmt.Println(err)
		return
	}
	r := table.FindByLogicalName(dlmsal.ClassRegister, dlmsal.MustObis("1-0:1.8.0.255")).(*cosem.Register)
	fmt.Println(r.LogicalName(), r.Describe())
	// Output: 1-0:1.8.0.255 1.5 Wh
}
