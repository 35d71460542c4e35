package match

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"amount":   int64(100),
		"currency": "USD",
		"paymentNetworkData": map[string]any{
			"alphaCode": "VI",
			"issuer": map[string]any{
				"country": "US",
			},
		},
		"tags": []any{"pos", "retail"},
	})

	want := map[string]any{
		"amount":   int64(100),
		"currency": "USD",
		"paymentNetworkData.alphaCode":      "VI",
		"paymentNetworkData.issuer.country": "US",
		"tags":                              []any{"pos", "retail"},
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %#v, want %#v", got, want)
	}
}

func TestFlattenEmpty(t *testing.T) {
	if got := Flatten(map[string]any{}); len(got) != 0 {
		t.Errorf("Flatten(empty) = %#v", got)
	}
}
