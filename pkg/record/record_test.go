package record

import (
	"reflect"
	"testing"
	"time"
)

func TestDecode_PreservesFieldOrder(t *testing.T) {
	obj, err := Decode([]byte(`{"zebra": 1, "apple": 2, "mango": 3}`))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"zebra", "apple", "mango"}
	if !reflect.DeepEqual(obj.Keys(), want) {
		t.Errorf("Keys() = %v, want %v", obj.Keys(), want)
	}
}

func TestDecode_NumberKinds(t *testing.T) {
	obj, err := Decode([]byte(`{"count": 42, "ratio": 0.5, "big": 9007199254740993, "exp": 1e3}`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		field string
		kind  Kind
	}{
		{"count", KindInt},
		{"ratio", KindFloat},
		{"big", KindInt},
		{"exp", KindFloat},
	}
	for _, tt := range tests {
		v, ok := obj.Get(tt.field)
		if !ok {
			t.Fatalf("field %q missing", tt.field)
		}
		if v.Kind() != tt.kind {
			t.Errorf("%s: Kind() = %v, want %v", tt.field, v.Kind(), tt.kind)
		}
	}

	if v, _ := obj.Get("big"); v.Int() != 9007199254740993 {
		t.Errorf("big = %d, precision lost", v.Int())
	}
}

func TestDecode_Nested(t *testing.T) {
	obj, err := Decode([]byte(`{
		"id": 7,
		"rewards": {"money": 1000, "items": [{"id": 1, "quantity": 2}]},
		"tags": ["a", "b"],
		"done": true,
		"until": null
	}`))
	if err != nil {
		t.Fatal(err)
	}

	rewards, _ := obj.Get("rewards")
	if rewards.Kind() != KindObject {
		t.Fatalf("rewards kind = %v, want object", rewards.Kind())
	}
	money, _ := rewards.Object().Get("money")
	if money.Kind() != KindInt || money.Int() != 1000 {
		t.Errorf("rewards.money = %v", money)
	}

	tags, _ := obj.Get("tags")
	if tags.Kind() != KindList || len(tags.List()) != 2 {
		t.Errorf("tags = %v", tags)
	}

	until, _ := obj.Get("until")
	if until.Kind() != KindNull {
		t.Errorf("until kind = %v, want null", until.Kind())
	}
}

func TestDecode_RejectsNonObject(t *testing.T) {
	for _, body := range []string{`[1, 2]`, `"text"`, `42`} {
		if _, err := Decode([]byte(body)); err == nil {
			t.Errorf("Decode(%s) should fail for non-object top level", body)
		}
	}
}

func TestMarshalJSON_RoundTripsOrder(t *testing.T) {
	in := `{"zebra":1,"apple":{"nested":true},"mango":[1,2.5,"x",null]}`
	obj, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}

	out, err := obj.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != in {
		t.Errorf("MarshalJSON() = %s, want %s", out, in)
	}
}

func TestNaturalKey(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantOK  bool
		field   string
		fieldOK bool
	}{
		{
			name: "id field",
			body: `{"id": 42, "name": "x"}`,
			want: "42", wantOK: true,
			field: "id", fieldOK: true,
		},
		{
			name: "crime_id field",
			body: `{"crime_id": 7}`,
			want: "7", wantOK: true,
			field: "crime_id", fieldOK: true,
		},
		{
			name: "record_id field",
			body: `{"record_id": "abc"}`,
			want: "abc", wantOK: true,
			field: "record_id", fieldOK: true,
		},
		{
			name: "id wins over crime_id",
			body: `{"crime_id": 7, "id": 42}`,
			want: "42", wantOK: true,
			field: "id", fieldOK: true,
		},
		{
			name: "no key field",
			body: `{"name": "x"}`,
		},
		{
			name: "non-scalar key value",
			body: `{"id": {"nested": 1}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}

			got, ok := obj.NaturalKey()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NaturalKey() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}

			field, ok := obj.NaturalKeyField()
			if ok != tt.fieldOK || field != tt.field {
				t.Errorf("NaturalKeyField() = (%q, %v), want (%q, %v)", field, ok, tt.field, tt.fieldOK)
			}
		})
	}
}

func TestStamp(t *testing.T) {
	obj, err := Decode([]byte(`{"id": 1}`))
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	stamped := obj.Stamp(ts)

	v, ok := stamped.Get(StampField)
	if !ok {
		t.Fatal("stamped record missing fetched_at")
	}
	if v.String() != "2026-08-25T12:30:00Z" {
		t.Errorf("fetched_at = %q", v.String())
	}

	// The original record is not modified.
	if obj.Has(StampField) {
		t.Error("Stamp must not mutate the source record")
	}
}

func TestValidate(t *testing.T) {
	obj, err := Decode([]byte(`{"name": "x"}`))
	if err != nil {
		t.Fatal(err)
	}

	err = obj.Validate("id")
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if verr.Field != "id" {
		t.Errorf("Field = %q, want id", verr.Field)
	}

	withKey, _ := Decode([]byte(`{"id": 1}`))
	if err := withKey.Validate("id"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestObject_SetOverwritesInPlace(t *testing.T) {
	obj := NewObject()
	obj.Set("a", Int(1))
	obj.Set("b", Int(2))
	obj.Set("a", Int(3))

	want := []string{"a", "b"}
	if !reflect.DeepEqual(obj.Keys(), want) {
		t.Errorf("Keys() = %v, want %v (overwrite must keep position)", obj.Keys(), want)
	}
	if v, _ := obj.Get("a"); v.Int() != 3 {
		t.Errorf("a = %d, want 3", v.Int())
	}
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		name   string
		v      Value
		want   string
		wantOK bool
	}{
		{"int", Int(42), "42", true},
		{"string", String("abc"), "abc", true},
		{"float", Float(1.5), "1.5", true},
		{"bool", Bool(true), "true", true},
		{"null", Null(), "", false},
		{"object", ObjectValue(NewObject()), "", false},
		{"list", ListValue(nil), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.v.KeyString()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("KeyString() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
