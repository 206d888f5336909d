package migration

import (
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// parent walks to the object holding the last element of path. With
// create set, missing objects along the way are added.
func parent(data *structpb.Struct, path string, create bool) (*structpb.Struct, string, error) {
	parts := strings.Split(path, ".")
	cur := data
	for i, p := range parts[:len(parts)-1] {
		v, ok := cur.Fields[p]
		if !ok {
			if !create {
				return nil, "", nil
			}
			next := &structpb.Struct{Fields: map[string]*structpb.Value{}}
			cur.Fields[p] = structpb.NewStructValue(next)
			cur = next
			continue
		}
		next := v.GetStructValue()
		if next == nil {
			return nil, "", &FieldError{Path: strings.Join(parts[:i+1], "."), Err: ErrNotStruct}
		}
		cur = next
	}
	if cur.Fields == nil {
		cur.Fields = map[string]*structpb.Value{}
	}
	return cur, parts[len(parts)-1], nil
}

// Get returns the value at the dotted path.
func Get(data *structpb.Struct, path string) (*structpb.Value, bool) {
	obj, key, err := parent(data, path, false)
	if err != nil || obj == nil {
		return nil, false
	}
	v, ok := obj.Fields[key]
	return v, ok
}

// Rename moves the value at from to to. A missing source is not an error.
func Rename(from, to string) Step {
	return func(data *structpb.Struct) error {
		src, key, err := parent(data, from, false)
		if err != nil || src == nil {
			return err
		}
		v, ok := src.Fields[key]
		if !ok {
			return nil
		}
		dst, dkey, err := parent(data, to, true)
		if err != nil {
			return err
		}
		delete(src.Fields, key)
		dst.Fields[dkey] = v
		return nil
	}
}

// SetDefault stores v at path unless a value is already there.
func SetDefault(path string, v any) Step {
	return func(data *structpb.Struct) error {
		obj, key, err := parent(data, path, true)
		if err != nil {
			return err
		}
		if _, ok := obj.Fields[key]; ok {
			return nil
		}
		val, err := structpb.NewValue(v)
		if err != nil {
			return &FieldError{Path: path, Err: err}
		}
		obj.Fields[key] = val
		return nil
	}
}

// Remove deletes the value at path if present.
func Remove(path string) Step {
	return func(data *structpb.Struct) error {
		obj, key, err := parent(data, path, false)
		if err != nil || obj == nil {
			return err
		}
		delete(obj.Fields, key)
		return nil
	}
}

// Convert replaces the value at path with fn's result. The value must
// exist.
func Convert(path string, fn func(*structpb.Value) (*structpb.Value, error)) Step {
	return func(data *structpb.Struct) error {
		obj, key, err := parent(data, path, false)
		if err != nil {
			return err
		}
		var v *structpb.Value
		if obj != nil {
			v = obj.Fields[key]
		}
		if v == nil {
			return &FieldError{Path: path, Err: ErrMissing}
		}
		nv, err := fn(v)
		if err != nil {
			return &FieldError{Path: path, Err: err}
		}
		obj.Fields[key] = nv
		return nil
	}
}
