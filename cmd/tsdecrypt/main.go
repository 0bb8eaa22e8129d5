package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/zsiec/tsdecrypt/pkg/version"
)

type rootOptions struct {
	configPath string
	profile    string
	profileDir string

	stopProfile func()
}

func main() {
	opts := &rootOptions{}
	err := newRootCommand(opts).Execute()
	// flush the profile on failure too
	if opts.stopProfile != nil {
		opts.stopProfile()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           version.Name,
		Short:         "Descramble MPEG transport streams from files and live inputs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			stop, err := startProfile(opts.profile, opts.profileDir)
			if err != nil {
				return err
			}
			opts.stopProfile = stop
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (defaults and TSDECRYPT_* env when empty)")
	flags.StringVar(&opts.profile, "profile", "", "write a profile: cpu, mem, block or trace")
	flags.StringVar(&opts.profileDir, "profile-dir", ".", "directory for profile output")

	root.AddCommand(
		newRunCommand(opts),
		newCtlCommand(opts),
		newScanCommand(),
		newVersionCommand(),
	)
	return root
}

// startProfile starts the named profiler, returning a no-op stop when name
// is empty
func startProfile(name, dir string) (func(), error) {
	var mode func(*profile.Profile)
	switch strings.ToLower(name) {
	case "":
		return func() {}, nil
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfile
	case "block":
		mode = profile.BlockProfile
	case "trace":
		mode = profile.TraceProfile
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	p := profile.Start(mode, profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet)
	return p.Stop, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetInfo().String())
		},
	}
}
