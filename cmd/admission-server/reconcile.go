package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/admission/internal/domain/admission"
	"github.com/ehr/admission/internal/domain/patient"
)

func reconcileCmd() *cobra.Command {
	var (
		file      string
		autoMerge bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one ADT^A01 message file against the store",
		Long: "Reads an HL7 message from --file (or stdin with -) and runs it through the same\n" +
			"reconciliation as the HTTP, MLLP and queue transports. The outcome is printed as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			locks, err := newLockBackend(ctx, cfg, pool, newLogger(cfg.Env, cfg.Level()))
			if err != nil {
				return err
			}
			defer locks.close()

			repo := patient.NewRepo(pool)
			gen := patient.NewGenerator(nil, cfg.IDGenMaxAttempts)
			engine := patient.NewEngine(repo, gen, patient.WithLocker(locks.locker))
			svc := admission.NewService(engine, repo, gen, nil, zerolog.Nop())

			res, err := svc.Ingest(admission.WithTransport(ctx, admission.TransportCLI), raw, autoMerge)
			return writeOutcome(cmd.OutOrStdout(), res, err)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "HL7 message file, - for stdin")
	cmd.Flags().BoolVar(&autoMerge, "auto-merge", true, "Overwrite stored demographics when they differ")
	cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(file string, stdin io.Reader) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}

type outcome struct {
	Result  string            `json:"result"`
	Patient *patient.Patient  `json:"patient,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  *patient.FieldSet `json:"fields,omitempty"`
}

// writeOutcome prints the ingest outcome and passes err through so the
// command exits non-zero on refusals.
func writeOutcome(w io.Writer, res *patient.Result, err error) error {
	out := outcome{Result: admission.ResultLabel(res, err)}
	if res != nil {
		out.Patient = res.Patient
	}
	if err != nil {
		out.Error = err.Error()
		var mismatch *patient.MismatchError
		if errors.As(err, &mismatch) {
			out.Fields = &mismatch.Fields
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	return err
}
