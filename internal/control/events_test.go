package control

import (
	"testing"
	"time"

	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/recorder"
)

func TestRecordingEvents(t *testing.T) {
	file := platform.VideoFile{Path: "/rec/VID_1.mp4"}
	started := recorder.Status{Active: true, ID: "r1", StartedAt: time.Now().Add(-3 * time.Second), File: file}

	tests := []struct {
		name       string
		prev, next recorder.Status
		want       []string
	}{
		{"start", recorder.Status{}, started, []string{"recording_started"}},
		{"stop", started, recorder.Status{File: file}, []string{"recording_stopped"}},
		{"stop with error", started, recorder.Status{File: file, LastError: "finalize failed"}, []string{"recording_stopped", "recording_error"}},
		{"same error again", recorder.Status{LastError: "x"}, recorder.Status{LastError: "x"}, nil},
		{"profile change", recorder.Status{Profile: "Fast"}, recorder.Status{Profile: "Flat"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recordingEvents(tt.prev, tt.next)
			if len(got) != len(tt.want) {
				t.Fatalf("events = %+v, want %v", got, tt.want)
			}
			for i, ev := range got {
				if ev.Event != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, ev.Event, tt.want[i])
				}
			}
		})
	}

	stop := recordingEvents(started, recorder.Status{File: file})[0]
	if d, _ := stop.Data["duration_s"].(float64); d < 3 {
		t.Errorf("stop duration = %v", stop.Data["duration_s"])
	}
	if stop.Data["id"] != "r1" || stop.Data["path"] != file.Path {
		t.Errorf("stop data = %v", stop.Data)
	}
}
