// Package mapping provides a struct-tag driven implementation of the
// entity.Mapping port. Column fields carry an `orm:"<column>[,pk]"` tag;
// relation fields carry `orm:"-,ref"` (a pointer to the entity this instance
// depends on) or `orm:"-,deps"` (a slice of pointers to entities that depend
// on this instance). Untagged fields are ignored by key extraction, cloning,
// and modification checks.
package mapping

import (
	"fmt"
	"reflect"
	"strings"

	"entsession/pkg/entity"
)

type fieldInfo struct {
	index  int
	column string
	pk     bool
}

type entityInfo struct {
	desc     *entity.Descriptor
	columns  []fieldInfo
	keys     []fieldInfo
	refs     []int
	backrefs []int
}

// Mapping resolves descriptors and relation metadata for registered types.
type Mapping struct {
	byTable map[string]*entityInfo
	byType  map[reflect.Type]*entityInfo
}

// New constructs an empty mapping registry.
func New() *Mapping {
	return &Mapping{
		byTable: make(map[string]*entityInfo),
		byType:  make(map[reflect.Type]*entityInfo),
	}
}

var _ entity.Mapping = (*Mapping)(nil)

// Register adds a logical table backed by the struct type of prototype and
// returns its descriptor. The prototype may be a struct value or a pointer to
// one. Registering the same table twice is an error.
func (m *Mapping) Register(table string, prototype any) (*entity.Descriptor, error) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("mapping: prototype for table %s must be a struct, got %T", table, prototype)
	}
	if _, exists := m.byTable[table]; exists {
		return nil, fmt.Errorf("mapping: table %s already registered", table)
	}
	info := &entityInfo{desc: &entity.Descriptor{Table: table, Type: t}}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("orm")
		if !ok || tag == "" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		switch {
		case name == "-" && opts == "ref":
			if f.Type.Kind() != reflect.Pointer || f.Type.Elem().Kind() != reflect.Struct {
				return nil, fmt.Errorf("mapping: ref field %s.%s must be a struct pointer", t.Name(), f.Name)
			}
			info.refs = append(info.refs, i)
		case name == "-" && opts == "deps":
			if f.Type.Kind() != reflect.Slice || f.Type.Elem().Kind() != reflect.Pointer {
				return nil, fmt.Errorf("mapping: deps field %s.%s must be a slice of struct pointers", t.Name(), f.Name)
			}
			info.backrefs = append(info.backrefs, i)
		case name == "-":
			// explicitly unmapped
		default:
			fi := fieldInfo{index: i, column: name, pk: opts == "pk"}
			info.columns = append(info.columns, fi)
			if fi.pk {
				info.keys = append(info.keys, fi)
			}
		}
	}
	if len(info.keys) == 0 {
		return nil, fmt.Errorf("mapping: table %s has no pk column", table)
	}
	m.byTable[table] = info
	if _, exists := m.byType[t]; !exists {
		m.byType[t] = info
	}
	return info.desc, nil
}

// MustRegister is Register panicking on error, for wiring at startup.
func (m *Mapping) MustRegister(table string, prototype any) *entity.Descriptor {
	desc, err := m.Register(table, prototype)
	if err != nil {
		panic(err)
	}
	return desc
}

// EntityOf resolves the descriptor registered for the type and table name.
func (m *Mapping) EntityOf(t reflect.Type, table string) (*entity.Descriptor, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	info, ok := m.byTable[table]
	if !ok {
		return nil, fmt.Errorf("mapping: table %s not registered", table)
	}
	if t != nil && info.desc.Type != t {
		return nil, fmt.Errorf("mapping: table %s is backed by %s, not %s", table, info.desc.Type, t)
	}
	return info.desc, nil
}

// Descriptors returns every registered descriptor. Useful when opening a
// provider that needs the full schema up front.
func (m *Mapping) Descriptors() []*entity.Descriptor {
	out := make([]*entity.Descriptor, 0, len(m.byTable))
	for _, info := range m.byTable {
		out = append(out, info.desc)
	}
	return out
}

func (m *Mapping) info(d *entity.Descriptor) (*entityInfo, error) {
	info, ok := m.byTable[d.Table]
	if !ok || info.desc != d {
		return nil, fmt.Errorf("mapping: descriptor %s not issued by this mapping", d.Table)
	}
	return info, nil
}

func structValue(instance any) (reflect.Value, error) {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("mapping: nil instance")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("mapping: instance must be a struct or struct pointer, got %T", instance)
	}
	return v, nil
}

// PrimaryKey extracts the key value of an instance. A single pk column yields
// its raw value; composite keys collapse to a "|"-joined string.
func (m *Mapping) PrimaryKey(d *entity.Descriptor, instance any) (entity.Key, error) {
	info, err := m.info(d)
	if err != nil {
		return nil, err
	}
	v, err := structValue(instance)
	if err != nil {
		return nil, err
	}
	if len(info.keys) == 1 {
		return v.Field(info.keys[0].index).Interface(), nil
	}
	parts := make([]string, 0, len(info.keys))
	for _, fi := range info.keys {
		parts = append(parts, fmt.Sprint(v.Field(fi.index).Interface()))
	}
	return strings.Join(parts, "|"), nil
}

// Clone returns a pointer to a copy of instance deep enough for later
// modification checks: column fields of map, slice, and pointer kinds are
// copied recursively through nested maps, slices, and pointers (struct values
// reached that way are copied by value); relation fields are carried over
// as-is.
func (m *Mapping) Clone(d *entity.Descriptor, instance any) any {
	info, err := m.info(d)
	if err != nil {
		return nil
	}
	v, err := structValue(instance)
	if err != nil {
		return nil
	}
	out := reflect.New(info.desc.Type)
	out.Elem().Set(v)
	for _, fi := range info.columns {
		f := out.Elem().Field(fi.index)
		f.Set(deepCopyValue(f))
	}
	return out.Interface()
}

func deepCopyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), deepCopyValue(iter.Value()))
		}
		return cp
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(deepCopyValue(v.Index(i)))
		}
		return cp
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type().Elem())
		cp.Elem().Set(deepCopyValue(v.Elem()))
		return cp
	default:
		return v
	}
}

// IsModified reports whether any column field of current differs from
// original. A nil original counts as modified.
func (m *Mapping) IsModified(d *entity.Descriptor, current, original any) bool {
	info, err := m.info(d)
	if err != nil {
		return false
	}
	if original == nil {
		return true
	}
	cv, err := structValue(current)
	if err != nil {
		return false
	}
	ov, err := structValue(original)
	if err != nil {
		return false
	}
	for _, fi := range info.columns {
		if !reflect.DeepEqual(cv.Field(fi.index).Interface(), ov.Field(fi.index).Interface()) {
			return true
		}
	}
	return false
}

func (m *Mapping) refOf(t reflect.Type, instance any) (entity.EntityRef, bool) {
	info, ok := m.byType[t]
	if !ok {
		return entity.EntityRef{}, false
	}
	return entity.EntityRef{Descriptor: info.desc, Instance: instance}, true
}

// DependingEntities enumerates the non-nil ref fields of instance: the
// entities it depends on.
func (m *Mapping) DependingEntities(d *entity.Descriptor, instance any) []entity.EntityRef {
	info, err := m.info(d)
	if err != nil {
		return nil
	}
	v, err := structValue(instance)
	if err != nil {
		return nil
	}
	var out []entity.EntityRef
	for _, idx := range info.refs {
		f := v.Field(idx)
		if f.IsNil() {
			continue
		}
		if ref, ok := m.refOf(f.Type().Elem(), f.Interface()); ok {
			out = append(out, ref)
		}
	}
	return out
}

// DependentEntities enumerates the non-nil elements of deps fields: the
// entities depending on instance.
func (m *Mapping) DependentEntities(d *entity.Descriptor, instance any) []entity.EntityRef {
	info, err := m.info(d)
	if err != nil {
		return nil
	}
	v, err := structValue(instance)
	if err != nil {
		return nil
	}
	var out []entity.EntityRef
	for _, idx := range info.backrefs {
		f := v.Field(idx)
		for i := 0; i < f.Len(); i++ {
			el := f.Index(i)
			if el.IsNil() {
				continue
			}
			if ref, ok := m.refOf(el.Type().Elem(), el.Interface()); ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// CanEvaluateLocally reports whether cmd touches no logical table.
func (m *Mapping) CanEvaluateLocally(cmd entity.Command) bool {
	return cmd.Descriptor == nil
}
