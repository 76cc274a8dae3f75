package mediastream

import "math"

// Event is one Twilio Media Streams websocket message
type Event struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Start          *StartEvent `json:"start,omitempty"`
	Media          *MediaEvent `json:"media,omitempty"`
	Stop           *StopEvent  `json:"stop,omitempty"`
}

// StartEvent describes the stream and the call it belongs to
type StartEvent struct {
	AccountSID  string      `json:"accountSid"`
	StreamSID   string      `json:"streamSid"`
	CallSID     string      `json:"callSid"`
	Tracks      []string    `json:"tracks"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaFormat is the encoding of media payloads
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaEvent carries one chunk of base64 encoded audio
type MediaEvent struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// StopEvent ends the stream
type StopEvent struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

var ulawTable [256]int16

func init() {
	for i := range ulawTable {
		ulawTable[i] = decodeULaw(byte(i))
	}
}

// decodeULaw expands one G.711 μ-law byte to linear PCM
func decodeULaw(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int16(u & 0x0f)
	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if u&0x80 != 0 {
		return -sample
	}
	return sample
}

// Energy is the RMS level of a μ-law frame normalized to [0,1]
func Energy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		v := float64(ulawTable[b])
		sum += v * v
	}
	rms := math.Sqrt(sum/float64(len(frame))) / 32768
	return min(rms, 1)
}
