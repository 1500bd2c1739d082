// Command btmonitortap opens a Device Monitor against a running Bluetooth
// audio daemon, selects one remote device, and mirrors the captured PCM
// frames to the default PortAudio output device. It exists to give the
// portaudio dependency and monitor.Readi a real, runnable caller; it is not
// a general-purpose CLI.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"

	"btaudiobridge/daemon"
	"btaudiobridge/internal/config"
	"btaudiobridge/monitor"
)

func main() {
	cfg := config.Load()

	iface := flag.String("interface", cfg.Interface, "Bluetooth controller interface")
	sock := flag.String("socket", cfg.DaemonSocket, "daemon control socket path")
	addr := flag.String("addr", "", "remote device address, AA:BB:CC:DD:EE:FF (required)")
	profile := flag.String("profile", cfg.DefaultProfile, "profile: a2dp or sco")
	flag.Parse()

	if *addr == "" {
		log.Fatal("btmonitortap: -addr is required")
	}

	devAddr, err := daemon.ParseAddress(*addr)
	if err != nil {
		log.Fatalf("btmonitortap: %v", err)
	}
	devProfile, err := daemon.ParseProfile(*profile)
	if err != nil {
		log.Fatalf("btmonitortap: %v", err)
	}

	h, err := monitor.Open(*sock, *iface)
	if err != nil {
		log.Fatalf("btmonitortap: open monitor: %v", err)
	}
	defer h.Close()

	if err := h.SetDevice(&devAddr, devProfile); err != nil {
		log.Fatalf("btmonitortap: set device: %v", err)
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("btmonitortap: portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	const (
		channels   = 2
		sampleRate = 44100
		frameSize  = 256
	)

	outDev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		log.Fatalf("btmonitortap: default output device: %v", err)
	}

	out := make([]float32, frameSize*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, out)
	if err != nil {
		log.Fatalf("btmonitortap: open output stream: %v", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		log.Fatalf("btmonitortap: start output stream: %v", err)
	}
	defer stream.Stop()

	log.Printf("btmonitortap: mirroring %s (%s) on %s", devAddr, devProfile, *iface)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	raw := make([]byte, frameSize*channels*2)
	done := make(chan struct{})
	go pumpLoop(h, stream, raw, out, channels, done)

	<-sigCh
	close(done)
}

// pumpLoop repeatedly reads one period from the monitor and writes it to
// the output stream, converting signed 16-bit little-endian samples to the
// float32 format PortAudio's Go binding expects.
func pumpLoop(h *monitor.Handle, stream *portaudio.Stream, raw []byte, out []float32, channels int, done <-chan struct{}) {
	frames := len(out) / channels
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := h.Readi(raw, frames)
		if err != nil {
			slog.Default().Error("monitor read failed, stopping", "err", err)
			return
		}
		for i := 0; i < n*2 && i*2+1 < len(raw); i++ {
			sample := int16(raw[i*2]) | int16(raw[i*2+1])<<8
			out[i] = float32(sample) / 32768.0
		}
		for i := n * 2; i < len(out); i++ {
			out[i] = 0
		}
		if err := stream.Write(); err != nil {
			slog.Default().Warn("portaudio write", "err", err)
		}
	}
}
