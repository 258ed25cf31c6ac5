package audio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Source is an opened input device delivering PCM16 mono frames.
type Source interface {
	// Read blocks until frame is filled.
	Read(frame []int16) error
	Close() error
	Name() string
}

// Opener acquires an input device.
type Opener func(sampleRate, framesPerBuffer int) (Source, error)

type portAudioSource struct {
	stream    *portaudio.Stream
	buf       []int16
	name      string
	closeOnce sync.Once
}

// PortAudio returns an Opener for the first input device whose name contains
// device (case-insensitive), or the system default input when device is empty.
func PortAudio(device string) Opener {
	return func(sampleRate, framesPerBuffer int) (Source, error) {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("portaudio init: %w", err)
		}

		dev, err := pickDevice(device)
		if err != nil {
			_ = portaudio.Terminate()
			return nil, err
		}

		buf := make([]int16, framesPerBuffer)
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   dev,
				Channels: 1,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      float64(sampleRate),
			FramesPerBuffer: framesPerBuffer,
		}
		stream, err := portaudio.OpenStream(params, buf)
		if err != nil {
			_ = portaudio.Terminate()
			return nil, fmt.Errorf("open %s: %w", dev.Name, err)
		}
		if err := stream.Start(); err != nil {
			_ = stream.Close()
			_ = portaudio.Terminate()
			return nil, fmt.Errorf("start %s: %w", dev.Name, err)
		}
		return &portAudioSource{stream: stream, buf: buf, name: dev.Name}, nil
	}
}

func pickDevice(want string) (*portaudio.DeviceInfo, error) {
	if want == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), strings.ToLower(want)) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", want)
}

func (s *portAudioSource) Read(frame []int16) error {
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(frame, s.buf)
	return nil
}

func (s *portAudioSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stream.Stop()
		err = s.stream.Close()
		_ = portaudio.Terminate()
	})
	return err
}

func (s *portAudioSource) Name() string { return s.name }
