package cosem

import (
	"context"
	"fmt"
	"sync"

	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"go.uber.org/zap"
)

type objectKey struct {
	class uint16
	ln    dlmsal.DlmsObis
}

// Table is the object resolver of a server. It is filled before the server starts and
// read only afterwards, object values have their own locks.
type Table struct {
	objects []dlmsal.Object
	index   map[objectKey]dlmsal.Object
	logger  *zap.SugaredLogger
}

var _ dlmsal.ObjectResolver = (*Table)(nil)

func NewTable() *Table {
	return &Table{index: make(map[objectKey]dlmsal.Object)}
}

func (t *Table) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
	for _, o := range t.objects {
		if p, ok := o.(*ProfileGeneric); ok {
			p.SetLogger(logger)
		}
	}
}

func (t *Table) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

// Add appends an object, the pair of class and logical name has to be unique.
func (t *Table) Add(obj dlmsal.Object) error {
	k := objectKey{class: obj.ClassId(), ln: obj.LogicalName()}
	if _, ok := t.index[k]; ok {
		return fmt.Errorf("duplicate object %d/%v", k.class, k.ln)
	}
	t.index[k] = obj
	t.objects = append(t.objects, obj)
	if p, ok := obj.(*ProfileGeneric); ok && t.logger != nil {
		p.SetLogger(t.logger)
	}
	return nil
}

func (t *Table) FindByLogicalName(classId uint16, ln dlmsal.DlmsObis) dlmsal.Object {
	return t.index[objectKey{class: classId, ln: ln}]
}

func (t *Table) Objects() []dlmsal.Object {
	return t.objects
}

// Bind connects profiles and associations to the table, policy decides the access
// rights the associations report.
func (t *Table) Bind(policy dlmsal.AccessPolicy) {
	for _, o := range t.objects {
		switch x := o.(type) {
		case *ProfileGeneric:
			x.Bind(t)
		case *AssociationLN:
			x.Bind(t, policy)
		case *AssociationSN:
			x.Bind(t, policy)
		}
	}
}

// Restore loads persisted attribute values of every object.
func (t *Table) Restore() error {
	for _, o := range t.objects {
		r, ok := o.(Restorer)
		if !ok {
			continue
		}
		if err := r.Restore(); err != nil {
			return fmt.Errorf("restore of %v: %w", o.LogicalName(), err)
		}
	}
	return nil
}

// Run starts the periodic captures of the profiles until ctx is done.
func (t *Table) Run(ctx context.Context, wg *sync.WaitGroup) {
	for _, o := range t.objects {
		if p, ok := o.(*ProfileGeneric); ok {
			t.logf("starting capture of %v", p.LogicalName())
			p.Run(ctx, wg)
		}
	}
}

// Associations returns the association objects of the table.
func (t *Table) Associations() []dlmsal.Object {
	var ret []dlmsal.Object
	for _, o := range t.objects {
		if c := o.ClassId(); c == dlmsal.ClassAssociationLN || c == dlmsal.ClassAssociationSN {
			ret = append(ret, o)
		}
	}
	return ret
}
