package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

var allowedAudioExts = map[string]bool{
	".webm": true, ".mp3": true, ".wav": true, ".m4a": true,
}

func isSupportedAudio(filename string) bool {
	return allowedAudioExts[strings.ToLower(filepath.Ext(filename))]
}

// saveUploadFile copies an uploaded file into the uploads dir under a fresh
// UUID name, keeping the original extension.
func saveUploadFile(conf *Config, file io.Reader, filename string) (string, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".audio"
	}
	inputFile := filepath.Join(conf.UploadsDir, fmt.Sprintf("%v%v", uuid.NewString(), ext))

	out, err := os.Create(inputFile)
	if err != nil {
		return "", errors.Wrapf(err, "create %v", inputFile)
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		return "", errors.Wrapf(err, "write %v", inputFile)
	}
	return inputFile, nil
}

// convertWebmToWav transcodes a webm upload to a 16kHz mono wav next to it.
// It first lets ffmpeg write the wav directly; if that fails it decodes to
// raw s16le on stdout and wraps the samples into a wav container itself.
// When both strategies fail the original path is returned unmodified and the
// caller submits the webm bytes as-is.
func convertWebmToWav(ctx context.Context, webmPath string) string {
	base := filepath.Base(webmPath)
	wavPath := filepath.Join(filepath.Dir(webmPath),
		fmt.Sprintf("%v.wav", strings.TrimSuffix(base, filepath.Ext(base))))

	err := exec.CommandContext(ctx, "ffmpeg",
		"-i", webmPath,
		"-vn", "-c:a", "pcm_s16le", "-ac", "1", "-ar", "16000",
		wavPath,
	).Run()
	if err != nil {
		logger.Wf(ctx, "convert %v with ffmpeg failed, try pcm: %v", webmPath, err)
		err = convertWebmToWavViaPCM(ctx, webmPath, wavPath)
	}
	if err != nil {
		logger.Wf(ctx, "convert %v to wav failed, use original: %v", webmPath, err)
		os.Remove(wavPath)
		return webmPath
	}

	logger.Tf(ctx, "Convert audio %v to %v ok", webmPath, wavPath)
	os.Remove(webmPath)
	return wavPath
}

func convertWebmToWavViaPCM(ctx context.Context, webmPath, wavPath string) error {
	var pcm bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", webmPath,
		"-vn", "-f", "s16le", "-ac", "1", "-ar", "16000",
		"-",
	)
	cmd.Stdout = &pcm
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "decode %v to pcm", webmPath)
	}

	out, err := os.Create(wavPath)
	if err != nil {
		return errors.Wrapf(err, "create %v", wavPath)
	}
	defer out.Close()

	// Convert to s16le depth.
	body := pcm.Bytes()
	data := make([]int, len(body)/2)
	for i := 0; i+1 < len(body); i += 2 {
		data[i/2] = int(int16(binary.LittleEndian.Uint16(body[i : i+2])))
	}

	enc := wav.NewEncoder(out, 16000, 16, 1, 1)
	defer enc.Close()

	ib := &audio.IntBuffer{
		Data: data, SourceBitDepth: 16,
		Format: &audio.Format{NumChannels: 1, SampleRate: 16000},
	}
	if err := enc.Write(ib); err != nil {
		return errors.Wrapf(err, "encode %v", wavPath)
	}
	return nil
}

// saveAudioResponse writes synthesized audio under a UUID name and returns
// the URL path the client can fetch it from.
func saveAudioResponse(conf *Config, data []byte) (string, error) {
	filename := fmt.Sprintf("%v.mp3", uuid.NewString())
	target := filepath.Join(conf.AudioOutputDir, filename)

	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", errors.Wrapf(err, "write %v", target)
	}
	return fmt.Sprintf("/static/audio/%v", filename), nil
}
