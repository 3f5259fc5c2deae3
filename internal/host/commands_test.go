package host

import (
	"errors"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, cmd Command)
	}{
		{
			name:  "input text",
			input: `{"type":"input_text","text":"hi","triggerResponse":false,"metadata":{"k":1}}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(InputText)
				if c.Text != "hi" || c.TriggerResponse == nil || *c.TriggerResponse || c.Metadata["k"] != float64(1) {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name:  "input audio",
			input: `{"type":"input_audio","audio":"AAAA","commit":true}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(InputAudio)
				if c.Audio != "AAAA" || !c.Commit || c.Response {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name:  "input image",
			input: `{"type":"input_image","data":"iVBOR","mimeType":"image/png","text":"look"}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(InputImage)
				if c.MimeType != "image/png" || c.Text != "look" {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name:  "raw event",
			input: `{"type":"event","event":{"type":"response.cancel"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Kind() != KindEvent || cmd.(RawEvent).Event["type"] != "response.cancel" {
					t.Errorf("got %+v", cmd)
				}
			},
		},
		{
			name:  "control",
			input: `{"type":"control","action":"mute","value":false}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(Control)
				if c.Action != ActionMute || c.Value == nil || *c.Value {
					t.Errorf("got %+v", c)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := DecodeCommand([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			tt.check(t, cmd)
		})
	}
}

func TestDecodeCommand_Invalid(t *testing.T) {
	t.Parallel()

	for name, input := range map[string]string{
		"not json":         `nope`,
		"array":            `[1,2]`,
		"missing type":     `{"text":"hi"}`,
		"unknown type":     `{"type":"dance"}`,
		"blank text":       `{"type":"input_text","text":"  "}`,
		"wrong field type": `{"type":"input_text","text":42}`,
		"empty audio":      `{"type":"input_audio"}`,
		"image no data":    `{"type":"input_image","mimeType":"image/png"}`,
		"image bad mime":   `{"type":"input_image","data":"x","mimeType":"text/plain"}`,
		"image bad enc":    `{"type":"input_image","data":"x","encoding":"hex"}`,
		"event no type":    `{"type":"event","event":{"foo":1}}`,
		"event not object": `{"type":"event","event":"response.cancel"}`,
		"control unknown":  `{"type":"control","action":"dance"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeCommand([]byte(input))
			if !errors.Is(err, ErrInvalidEventPayload) {
				t.Errorf("err = %v, want invalid_event_payload", err)
			}
		})
	}
}

func TestBoolOr(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	if !boolOr(nil, true) || boolOr(nil, false) || !boolOr(&yes, false) || boolOr(&no, true) {
		t.Error("boolOr returned the wrong value")
	}
}
