package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	v1 "flagsync/pkg/api/v1"
)

// CanonicalSnapshot renders a snapshot so that equal feature states always
// produce equal bytes: collections are sorted and free-form values are
// re-encoded with sorted object keys.
func CanonicalSnapshot(s v1.FeatureSnapshot) ([]byte, error) {
	var err error
	c := v1.FeatureSnapshot{Enabled: s.Enabled}
	if c.Value, err = canonicalValue(s.Value); err != nil {
		return nil, fmt.Errorf("feature_state_value: %w", err)
	}
	c.MultivariateValues = sortedMultivariate(s.MultivariateValues)

	if len(s.SegmentOverrides) > 0 {
		c.SegmentOverrides = make([]v1.SegmentOverride, len(s.SegmentOverrides))
		for i, o := range s.SegmentOverrides {
			o.MultivariateValues = sortedMultivariate(o.MultivariateValues)
			if o.Value, err = canonicalValue(o.Value); err != nil {
				return nil, fmt.Errorf("segment %d feature_state_value: %w", o.SegmentID, err)
			}
			c.SegmentOverrides[i] = o
		}
		sort.SliceStable(c.SegmentOverrides, func(i, j int) bool {
			a, b := c.SegmentOverrides[i], c.SegmentOverrides[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.SegmentID < b.SegmentID
		})
	}
	return json.Marshal(c)
}

// VersionSha is the hex sha256 of "env:feature:" followed by the canonical snapshot.
func VersionSha(environmentID, featureID uint64, canonical []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:", environmentID, featureID)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedMultivariate(in []v1.MultivariateValue) []v1.MultivariateValue {
	if len(in) == 0 {
		return nil
	}
	out := append([]v1.MultivariateValue(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OptionID < out[j].OptionID })
	return out
}

// canonicalValue decodes and re-encodes raw JSON; encoding/json writes map
// keys in sorted order and numbers keep their literal text.
func canonicalValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
