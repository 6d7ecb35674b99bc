package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cybroslabs/libdlms-server-go/config"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/cybroslabs/libdlms-server-go/store"
	"github.com/spf13/cobra"
)

var classNames = map[uint16]string{
	dlmsal.ClassData:           "data",
	dlmsal.ClassRegister:       "register",
	dlmsal.ClassClock:          "clock",
	dlmsal.ClassProfileGeneric: "profile",
	dlmsal.ClassAssociationLN:  "association-ln",
	dlmsal.ClassAssociationSN:  "association-sn",
	dlmsal.ClassPushSetup:      "push",
}

func newObjectsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "List the served objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			// persisted values are not shown, the store may be in use by a running server
			t, err := loadTable(c, store.NewMemory())
			if err != nil {
				return err
			}
			return printObjects(cmd.OutOrStdout(), t.Objects())
		},
	}
	cmd.Flags().String("objects", "", "object table file, the built in table when empty")
	return cmd
}

func printObjects(w io.Writer, objects []dlmsal.Object) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tVERSION\tLOGICAL NAME\tSHORT NAME\tVALUE")
	for _, o := range objects {
		name, ok := classNames[o.ClassId()]
		if !ok {
			name = fmt.Sprintf("%d", o.ClassId())
		}
		sn := "-"
		if o.ShortName() != 0 {
			sn = fmt.Sprintf("%04X", o.ShortName())
		}
		fmt.Fprintf(tw, "%s\t%d\t%v\t%s\t%s\n", name, o.Version(), o.LogicalName(), sn, describe(o))
	}
	return tw.Flush()
}

func describe(o dlmsal.Object) string {
	switch o.ClassId() {
	case dlmsal.ClassData, dlmsal.ClassRegister, dlmsal.ClassClock:
	default:
		return ""
	}
	v, err := o.GetValue(nil, &dlmsal.ValueEventArgs{Target: o, Index: 2})
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	switch x := v.(type) {
	case dlmsal.OctetString:
		return fmt.Sprintf("%X", []byte(x))
	case dlmsal.VisibleString:
		return string(x)
	}
	return fmt.Sprintf("%v", v)
}
