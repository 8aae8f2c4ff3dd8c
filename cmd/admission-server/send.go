package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/admission/internal/platform/hl7v2"
)

func sendCmd() *cobra.Command {
	var (
		addr    string
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an HL7 message to an MLLP listener and print the ACK",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			ack, err := hl7v2.Exchange(ctx, addr, raw)
			if err != nil {
				return err
			}
			return printAck(cmd.OutOrStdout(), ack)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:2575", "MLLP listener address")
	cmd.Flags().StringVarP(&file, "file", "f", "", "HL7 message file, - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time to wait for the ACK")
	cmd.MarkFlagRequired("file")
	return cmd
}

// printAck writes MSA-1 and MSA-3 and fails unless the code is AA.
func printAck(w io.Writer, ack *hl7v2.Message) error {
	msa := ack.GetSegment("MSA")
	if msa == nil {
		return fmt.Errorf("reply has no MSA segment")
	}
	code, text := msa.GetField(1), ack.Encoding.Unescape(msa.GetField(3))
	fmt.Fprintf(w, "%s %s\n", code, text)
	if code != "AA" {
		return fmt.Errorf("message not accepted: %s", code)
	}
	return nil
}
