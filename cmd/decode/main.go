package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vladimirvivien/v4l2m2m/decoder"
	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

func main() {
	devName := "/dev/video0"
	inPath := ""
	outDir := "."
	numOutputBuffers := uint(8)

	flag.StringVar(&devName, "d", devName, "decoder device name (path)")
	flag.StringVar(&inPath, "i", inPath, "input H.264 elementary stream file")
	flag.StringVar(&outDir, "o", outDir, "directory to write decoded NV12 frames to")
	flag.UintVar(&numOutputBuffers, "n", numOutputBuffers, "number of OUTPUT buffers to allocate")
	flag.Parse()

	if inPath == "" {
		log.Fatal("missing required -i input file")
	}

	input, err := os.Open(inPath)
	if err != nil {
		log.Fatalf("failed to open input: %s", err)
	}
	defer input.Close()

	dec, err := decoder.Open(devName)
	if err != nil {
		log.Fatalf("failed to open decoder: %s", err)
	}
	defer dec.Close()

	if err := dec.SetOutputFormat(func(b *decoder.FormatBuilder) error {
		b.SetPixelFormat(v4l2.PixelFmtH264).SetPlaneCount(1)
		return nil
	}); err != nil {
		log.Fatalf("failed to set output format: %s", err)
	}

	if err := dec.AllocateOutputBuffers(uint32(numOutputBuffers)); err != nil {
		log.Fatalf("failed to allocate output buffers: %s", err)
	}
	log.Printf("allocated %d output buffers", dec.NumOutputBuffers())

	frameCount := 0
	inputDone := func(handles []decoder.PlaneHandle) {
		log.Printf("output buffer returned (%d planes)", len(handles))
	}
	outputReady := func(dq *decoder.DQBuffer) {
		defer dq.Release()
		fileName := fmt.Sprintf("%s/frame_%04d.nv12", outDir, frameCount)
		file, err := os.Create(fileName)
		if err != nil {
			log.Printf("failed to create %s: %s", fileName, err)
			return
		}
		defer file.Close()
		for _, h := range dq.Handles {
			if _, err := file.Write(h.Data); err != nil {
				log.Printf("failed to write %s: %s", fileName, err)
				return
			}
		}
		frameCount++
	}
	setCaptureFormat := func(b *decoder.FormatBuilder) error {
		b.SetPixelFormat(v4l2.PixelFmtNV12)
		log.Printf("capture format proposed by driver: %s", b.Format())
		return nil
	}

	if err := dec.Start(inputDone, outputReady, setCaptureFormat); err != nil {
		log.Fatalf("failed to start decoder: %s", err)
	}

	// One backing array per OUTPUT buffer slot, keyed by index: a slot only
	// becomes Free again once the driver has finished reading it, so reusing
	// the slice by slot index (rather than a single shared scratch buffer)
	// never overwrites memory the driver may still be decoding from.
	chunks := make([][]byte, dec.NumOutputBuffers())
	for i := range chunks {
		chunks[i] = make([]byte, 1<<20)
	}

	for {
		qb, err := dec.GetBuffer()
		if err != nil {
			log.Fatalf("failed to get output buffer: %s", err)
		}
		n, readErr := input.Read(chunks[qb.Index()])
		if n == 0 {
			qb.Cancel()
			break
		}
		if err := qb.Submit([]decoder.PlaneHandle{{Memory: v4l2.StreamTypeUserPtr, Data: chunks[qb.Index()][:n]}}); err != nil {
			log.Fatalf("failed to submit output buffer: %s", err)
		}
		if readErr != nil {
			break
		}
	}

	if err := dec.Stop(); err != nil {
		log.Fatalf("failed to stop decoder: %s", err)
	}
	log.Printf("decoded %d frames to %s", frameCount, outDir)
}
