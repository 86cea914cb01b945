package adapter

import (
	"reflect"
	"testing"
)

func TestParseQueueWeights(t *testing.T) {
	cases := []struct {
		in   string
		want map[string]int
	}{
		{"critical=6,default=3,low=1", map[string]int{"critical": 6, "default": 3, "low": 1}},
		{"notify", map[string]int{"notify": 1}},
		{" notify = 2 , default ", map[string]int{"notify": 2, "default": 1}},
		{"notify=0", map[string]int{"notify": 1}},
		{"notify=abc", map[string]int{"notify": 1}},
		{",,", map[string]int{}},
	}
	for _, tc := range cases {
		if got := parseQueueWeights(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseQueueWeights(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
