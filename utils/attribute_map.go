// Package utils contains small helpers shared by the config loader and the backends.
package utils

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// AttributeMap is a free-form set of backend specific attributes as read from a config file.
type AttributeMap map[string]interface{}

// Has reports whether name is set.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String returns the string attribute name, or "" if it is unset or not a string.
func (am AttributeMap) String(name string) string {
	s, _ := am[name].(string)
	return s
}

// TransformAttributeMap decodes attributes into a new T using the json field tags of T. If T has
// an "Attributes" map field, keys not matching any other field are kept there.
func TransformAttributeMap[T any](attributes AttributeMap) (T, error) {
	var out T

	toT := reflect.TypeOf(out)
	if toT == nil {
		return out, nil
	}
	var forResult interface{}
	if toT.Kind() == reflect.Ptr {
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(T)
		if !ok {
			return out, errors.Errorf("failed to allocate default config type %T", out)
		}
		forResult = out
	} else {
		forResult = &out
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   forResult,
		Metadata: &md,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return out, errors.Wrap(err, "decoding attributes")
	}
	if attributes.Has("attributes") || len(md.Unused) == 0 {
		return out, nil
	}

	toV := reflect.ValueOf(out)
	if toV.Kind() == reflect.Ptr {
		toV = toV.Elem()
	}
	attrsV := toV.FieldByName("Attributes")
	if !attrsV.IsValid() || attrsV.Kind() != reflect.Map || attrsV.Type().Key().Kind() != reflect.String {
		return out, nil
	}
	if attrsV.IsNil() {
		attrsV.Set(reflect.MakeMap(attrsV.Type()))
	}
	mapValueType := attrsV.Type().Elem()
	for _, key := range md.Unused {
		valV := reflect.ValueOf(attributes[key])
		if valV.IsValid() && valV.Type().AssignableTo(mapValueType) {
			attrsV.SetMapIndex(reflect.ValueOf(key), valV)
		}
	}
	return out, nil
}
