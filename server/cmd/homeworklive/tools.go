package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"homework-live/server/internal/audiocodec"
	"homework-live/server/internal/config"
	"homework-live/server/internal/device"
	"homework-live/server/internal/realtime"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue an ephemeral Live API token and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			client, err := realtime.NewClient(cmd.Context(), cfg.Realtime(), nil)
			if err != nil {
				return err
			}
			tok, err := client.CreateEphemeralToken(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tok)
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <file.wav>",
		Short: "Report level, clipping and SNR of a recorded WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			samples, rate, err := audiocodec.DecodeWAV(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			r := audiocodec.Analyze(samples, rate, cfg.Audio.ClipThreshold)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "samples:     %d (%d Hz, %.2fs)\n", r.Samples, r.SampleRate, r.Seconds)
			fmt.Fprintf(out, "rms:         %.4f (level %.0f%%)\n", r.RMS, audiocodec.LevelPercent(r.RMS, cfg.Audio.LevelGain))
			fmt.Fprintf(out, "peak:        %.4f\n", r.Peak)
			fmt.Fprintf(out, "clipping:    %v (threshold %.2f)\n", r.Clipping, cfg.Audio.ClipThreshold)
			fmt.Fprintf(out, "snr:         %.1f dB\n", r.SNRdB)
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			sys := device.NewSystem(cfg.Audio.OutputBuffer, nil)
			defer sys.Close()

			names, err := sys.CaptureDevices()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no capture devices found")
				return nil
			}
			for i, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			}
			return nil
		},
	}
}
