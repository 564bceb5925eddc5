package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/tinyhttpd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the tinyhttpd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !verbose {
				_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
				return err
			}
			info := version.Read()
			_, err := fmt.Fprintf(out, "module:   %s\nversion:  %s\nrevision: %s\ntime:     %s\ndirty:    %t\ngo:       %s\n",
				info.Module, info.Version, info.Revision, info.Time, info.Dirty, info.Go)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	return cmd
}
