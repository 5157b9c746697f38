package config

import (
	"flag"
	"os"
	"testing"

	"nraec/pkg/types"
)

func componentArgs() []string {
	return []string{
		"-speech", "speech.wav",
		"-noise", "noise.wav",
		"-echo-speech", "echo_speech.wav",
		"-echo-noise", "echo_noise.wav",
		"-speaker-speech", "speaker_speech.wav",
		"-speaker-noise", "speaker_noise.wav",
	}
}

func TestParseFlags(t *testing.T) {
	// Save original args
	originalArgs := os.Args
	defer func() {
		os.Args = originalArgs
	}()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(*types.Config) bool
	}{
		{
			name:    "valid config with defaults",
			args:    append([]string{"nraec"}, componentArgs()...),
			wantErr: false,
			check: func(cfg *types.Config) bool {
				return cfg.SpeechFile == "speech.wav" &&
					cfg.NoiseFile == "noise.wav" &&
					cfg.Mode == types.ModeBatch &&
					cfg.Variant == types.VariantBase &&
					cfg.Params.N == 512 &&
					cfg.Params.Shift == 256 &&
					cfg.Params.RankS == 1
			},
		},
		{
			name:    "adaptive extended",
			args:    append([]string{"nraec", "-adaptive", "-extended"}, componentArgs()...),
			wantErr: false,
			check: func(cfg *types.Config) bool {
				return cfg.Mode == types.ModeAdaptive &&
					cfg.Variant == types.VariantExtended
			},
		},
		{
			name: "parameter overrides",
			args: append([]string{"nraec",
				"-dft-size", "256",
				"-shift", "128",
				"-rank-s", "2",
				"-rank-ses", "3",
				"-lambda", "0.99",
				"-lfhat", "2048",
				"-mu", "0.25",
				"-alpha", "1e-5",
				"-vad-sensitivity", "1.5",
				"-ref-mic", "1",
				"-gate-echo-batch=false",
				"-out", "results",
			}, componentArgs()...),
			wantErr: false,
			check: func(cfg *types.Config) bool {
				return cfg.Params.N == 256 &&
					cfg.Params.Shift == 128 &&
					cfg.Params.RankS == 2 &&
					cfg.Params.RankSES == 3 &&
					cfg.Params.Lambda == 0.99 &&
					cfg.Params.Lfhat == 2048 &&
					cfg.Params.Mu == 0.25 &&
					cfg.Params.Alpha == 1e-5 &&
					cfg.Params.VADSensitivity == 1.5 &&
					cfg.Params.RefMic == 1 &&
					cfg.Params.GateEchoBatch == false &&
					cfg.OutputDir == "results"
			},
		},
		{
			name:    "compare mode",
			args:    append([]string{"nraec", "-compare"}, componentArgs()...),
			wantErr: false,
			check: func(cfg *types.Config) bool {
				return cfg.Compare == true
			},
		},
		{
			name:    "compare with extended is redundant",
			args:    append([]string{"nraec", "-compare", "-extended"}, componentArgs()...),
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
		{
			name:    "missing component file",
			args:    []string{"nraec", "-speech", "speech.wav"},
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
		{
			name:    "odd dft size",
			args:    append([]string{"nraec", "-dft-size", "511"}, componentArgs()...),
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
		{
			name:    "shift out of range",
			args:    append([]string{"nraec", "-shift", "512"}, componentArgs()...),
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
		{
			name:    "lambda out of range",
			args:    append([]string{"nraec", "-lambda", "1.5"}, componentArgs()...),
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
		{
			name:    "non-positive mu",
			args:    append([]string{"nraec", "-mu", "0"}, componentArgs()...),
			wantErr: true,
			check: func(cfg *types.Config) bool {
				return true // Error expected
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set test args
			os.Args = tt.args

			// Reset flag.CommandLine to avoid conflicts between tests
			flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

			cfg, err := ParseFlags()

			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFlags() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && !tt.check(cfg) {
				t.Errorf("ParseFlags() config check failed for %s", tt.name)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := types.DefaultConfig()

	if cfg.Mode != types.ModeBatch {
		t.Errorf("default mode = %v, want batch", cfg.Mode)
	}
	if cfg.Variant != types.VariantBase {
		t.Errorf("default variant = %v, want base", cfg.Variant)
	}
	if cfg.Params.N != 512 || cfg.Params.Shift != 256 {
		t.Errorf("default transform geometry = %d/%d, want 512/256", cfg.Params.N, cfg.Params.Shift)
	}
	if cfg.Params.Lambda <= 0 || cfg.Params.Lambda >= 1 {
		t.Errorf("default lambda = %v, want in (0,1)", cfg.Params.Lambda)
	}
	if !cfg.Params.GateEchoBatch {
		t.Errorf("batch echo-path updates must gate on echo activity by default")
	}
}
