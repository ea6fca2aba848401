package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRenderJobJSONRoundtrip(t *testing.T) {
	job := RenderJob{
		CorrelationID: "abc123",
		ReplyTopic:    "render_reply.42",
		URL:           "https://ex.com/a",
		DeviceType:    DeviceDesktop,
		Type:          RenderHTML,
		MetaOnly:      true,
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded RenderJob
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != job {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, job)
	}
}

func TestGatewayError_Status(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{ErrClientInvalidParam, 400},
		{ErrClientHostConfigNotExist, 404},
		{ErrClientMethodNotAllowed, 405},
		{ErrServerWorkerTimeout, 504},
		{ErrServerNetError, 502},
		{ErrServerRobotsDisallow, 403},
		{ErrServerInternalError, 500},
		{ErrorKind("unknown"), 500},
	}
	for _, c := range cases {
		e := NewError(c.kind, "boom")
		if got := e.Status(); got != c.want {
			t.Errorf("Status(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestNewError_SetsTimestamp(t *testing.T) {
	before := time.Now()
	e := NewError(ErrServerInternalError, "boom")
	if e.Timestamp.Before(before) {
		t.Errorf("expected Timestamp >= %v, got %v", before, e.Timestamp)
	}
	if e.Error() == "" {
		t.Error("expected non-empty Error() message")
	}
}

func TestSnapshotInvariant_ExpiresOrdering(t *testing.T) {
	now := time.Now()
	snap := Snapshot{
		Times: SnapshotTimes{
			RenderedAt: now,
			UpdatedAt:  now,
		},
		PrivateExpires: now.Add(180 * time.Second),
		SharedExpires:  now.Add(86400 * time.Second),
	}
	if snap.PrivateExpires.After(snap.SharedExpires) {
		t.Error("privateExpires must not be after sharedExpires")
	}
	if snap.Times.RenderedAt.After(snap.Times.UpdatedAt) {
		t.Error("renderedAt must not be after updatedAt")
	}
}
