package cmd

import (
	"fmt"
	"io"

	"github.com/sarchlab/vmi/engine"
	"github.com/sarchlab/vmi/mem/arch"
	"github.com/spf13/cobra"
)

var translateCmd = &cobra.Command{
	Use:   "translate VA...",
	Short: "Translate virtual addresses to physical addresses.",
	Long: "`translate --image F --root R VA...` walks the page tables " +
		"rooted at R and prints the page that backs every virtual address.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		space, err := s.space(cfg)
		if err != nil {
			return err
		}

		return translateAll(cmd.OutOrStdout(), s.engine, space, args)
	},
}

func init() {
	rootCmd.AddCommand(translateCmd)
}

// translateAll prints one line per address. Addresses that do not
// translate are reported on their line, and the first such error is
// returned after all lines are printed.
func translateAll(
	w io.Writer,
	e *engine.Engine,
	space arch.AddressSpace,
	args []string,
) error {
	var firstErr error

	for _, arg := range args {
		err := translateOne(w, e, space, arg)
		if err == nil {
			continue
		}

		fmt.Fprintf(w, "%s: %v\n", arg, err)

		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func translateOne(
	w io.Writer,
	e *engine.Engine,
	space arch.AddressSpace,
	arg string,
) error {
	va, err := parseAddress(arg)
	if err != nil {
		return err
	}

	entry, err := e.Translate(space, va)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s -> %s  %s\n", va, entry.Translate(va).Addr, entry)

	return nil
}
