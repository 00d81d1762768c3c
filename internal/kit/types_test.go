package kit

import "testing"

func TestChannelValid(t *testing.T) {
	t.Parallel()
	for _, c := range []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS} {
		if !c.Valid() {
			t.Errorf("%s should be valid", c)
		}
	}
	for _, c := range []Channel{"", "in_app", "WEBHOOK"} {
		if c.Valid() {
			t.Errorf("%q should be invalid", c)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	ranked := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Ordinal() <= ranked[i-1].Ordinal() {
			t.Errorf("%s should rank above %s", ranked[i], ranked[i-1])
		}
	}

	if !PriorityHigh.AtLeast(PriorityMedium) {
		t.Error("HIGH should satisfy a MEDIUM threshold")
	}
	if PriorityLow.AtLeast(PriorityUrgent) {
		t.Error("LOW should not satisfy an URGENT threshold")
	}
	// Unknown values rank lowest and never pass a real threshold.
	if Priority("BOGUS").AtLeast(PriorityLow) {
		t.Error("unknown priority should rank below LOW")
	}
}
