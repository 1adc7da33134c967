package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalTagsSortedAndStable(t *testing.T) {
	a := CanonicalTags(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := CanonicalTags(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"1","b":"2","c":"3"}`, string(a))

	assert.Equal(t, `{}`, string(CanonicalTags(nil)))
}

func TestCanonicalTagsRoundTrips(t *testing.T) {
	tags := map[string]string{"env": "prod", "actor": "a-1"}
	var decoded map[string]string
	assert.NoError(t, json.Unmarshal(CanonicalTags(tags), &decoded))
	assert.Equal(t, tags, decoded)
}

func TestWorkflowLifecycle(t *testing.T) {
	cases := []struct {
		name string
		wf   Workflow
		want Lifecycle
	}{
		{"pending", Workflow{HasWakeCondition: true}, LifecyclePending},
		{"sleeping", Workflow{}, LifecycleSleeping},
		{"complete", Workflow{Output: json.RawMessage(`1`)}, LifecycleComplete},
		{"dead", Workflow{Error: "boom"}, LifecycleDead},
		{"complete wins over error", Workflow{Output: json.RawMessage(`1`), Error: "late"}, LifecycleComplete},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.wf.Lifecycle(), tc.name)
	}
}
