package modules

import (
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/osc"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// MessageLogger logs every OSC message it sees and passes its input
// through. Logging from the audio thread can block, so use it for
// debugging only.
type MessageLogger struct {
	messages MessageSource
	logger   *utils.Logger
}

// NewMessageLogger logs the messages yielded by messages.
func NewMessageLogger(messages MessageSource, logger *utils.Logger) *MessageLogger {
	if logger == nil {
		logger = utils.DefaultLogger("messages")
	}
	return &MessageLogger{messages: messages, logger: logger}
}

func (m *MessageLogger) Process(sampleRate, frames, inputChannels int, input []float32, outputChannels int, output []float32) {
	var cur msgqueue.Cursor
	for msg, ok := m.messages.NextMessage(&cur); ok; msg, ok = m.messages.NextMessage(&cur) {
		if osc.IsBundle(msg) {
			err := osc.Packets(msg, func(p []byte) bool {
				m.log(p)
				return true
			})
			if err != nil {
				m.logger.Warn("Malformed bundle", utils.Err(err))
			}
			continue
		}
		m.log(msg)
	}

	if inputChannels == 0 {
		clear(output)
		return
	}
	for c := 0; c < outputChannels; c++ {
		copy(channel(output, frames, c), channel(input, frames, c%inputChannels))
	}
}

func (m *MessageLogger) log(packet []byte) {
	s, err := osc.MessageString(packet)
	if err != nil {
		m.logger.Warn("Malformed message", utils.Int("bytes", len(packet)), utils.Err(err))
		return
	}
	m.logger.Info("Message", utils.String("osc", s))
}
