package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
)

func TestStreamFallback_PrimarySuccess(t *testing.T) {
	sess := sttmock.NewSession(1)
	primary := &sttmock.Provider{Session: sess}
	secondary := &sttmock.Provider{}

	fb := NewStreamFallback(FallbackConfig{})
	fb.Add("primary", primary)
	fb.Add("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	named, ok := handle.(namedSession)
	if !ok || named.SessionHandle != sess || named.Provider() != "primary" {
		t.Fatalf("handle = %#v, want the primary's session", handle)
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.StartStreamCalls))
	}
	_ = handle.Close()
}

func TestStreamFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{}

	fb := NewStreamFallback(FallbackConfig{})
	fb.Add("primary", primary)
	fb.Add("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secondary.StartStreamCalls) != 1 || secondary.StartStreamCalls[0].Cfg.SampleRate != 16000 {
		t.Fatalf("secondary calls = %+v", secondary.StartStreamCalls)
	}
	if got := handle.(interface{ Provider() string }).Provider(); got != "secondary" {
		t.Errorf("provider = %q, want secondary", got)
	}
	_ = handle.Close()
}

func TestStreamFallback_AllFail(t *testing.T) {
	fb := NewStreamFallback(FallbackConfig{})
	fb.Add("primary", &sttmock.Provider{StartStreamErr: errors.New("primary down")})
	fb.Add("secondary", &sttmock.Provider{StartStreamErr: errors.New("secondary down")})

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
