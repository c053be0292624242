package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/sarchlab/vmi/engine"
	"github.com/sarchlab/vmi/mem"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Dump memory as hex.",
	Long: "`read --image F --root R --addr A --len N` reads N bytes at " +
		"virtual address A. With --physical, A is a physical address and " +
		"no root is needed.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()

		addrStr, _ := flags.GetString("addr")
		length, _ := flags.GetUint64("len")
		physical, _ := flags.GetBool("physical")
		retries, _ := flags.GetUint64("retries")

		addr, err := parseAddress(addrStr)
		if err != nil {
			return err
		}

		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		buf := make([]byte, length)
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)

		if physical {
			ctx := contextOf(cmd)
			err = backoff.Retry(func() error {
				err := s.engine.ReadPhysical(ctx, addr, buf)
				if err != nil && !engine.Retryable(err) {
					return backoff.Permanent(err)
				}

				return err
			}, backoff.WithContext(b, ctx))
		} else {
			err = readVirtual(cmd, s, addr, buf, b)
		}

		if err != nil {
			return err
		}

		hexDump(cmd.OutOrStdout(), addr, buf)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().String("addr", "", "address to read at")
	readCmd.Flags().Uint64("len", 64, "number of bytes")
	readCmd.Flags().Bool("physical", false, "read a physical address")
	readCmd.Flags().Uint64("retries", 0,
		"retry page faults and backend failures this many times")

	_ = readCmd.MarkFlagRequired("addr")
}

func readVirtual(
	cmd *cobra.Command,
	s *session,
	va mem.Address,
	buf []byte,
	b backoff.BackOff,
) error {
	space, err := s.space(cfg)
	if err != nil {
		return err
	}

	return engine.RetryRead(contextOf(cmd), s.engine, space, va, buf, b)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}

// hexDump prints 16 bytes per line, prefixed with their address and
// followed by their printable characters.
func hexDump(w io.Writer, addr mem.Address, data []byte) {
	const width = 16

	for off := 0; off < len(data); off += width {
		line := data[off:min(off+width, len(data))]

		var hexPart, textPart strings.Builder

		for i := 0; i < width; i++ {
			if i == width/2 {
				hexPart.WriteByte(' ')
			}

			if i >= len(line) {
				hexPart.WriteString("   ")
				continue
			}

			fmt.Fprintf(&hexPart, "%02x ", line[i])

			if line[i] >= 0x20 && line[i] < 0x7F {
				textPart.WriteByte(line[i])
			} else {
				textPart.WriteByte('.')
			}
		}

		fmt.Fprintf(w, "%016x  %s |%s|\n",
			uint64(addr)+uint64(off), hexPart.String(), textPart.String())
	}
}
