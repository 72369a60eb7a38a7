package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/limiquantix/modmgmt/internal/auth"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/persist"
)

func (a *App) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the engine summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, modmgmt.OpGetGeneralStatus, nil)
		},
	}
}

func (a *App) limitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show slot counts and port limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, modmgmt.OpGetLimitsInfo, nil)
		},
	}
}

func (a *App) affinityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "affinity",
		Short: "Show the port to core affinity table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, modmgmt.OpGetPortAffinity, nil)
		},
	}
}

// =============================================================================
// Modules
// =============================================================================

func (a *App) moduleCmd() *cobra.Command {
	var peer bool
	moduleCmd := &cobra.Command{
		Use:   "module",
		Short: "Inspect and mark modules",
		Long:  "Modules are addressed as CLASS:slot, for example IO_MODULE:1.",
	}
	moduleCmd.PersistentFlags().BoolVar(&peer, "peer", false, "address the peer controller's module")

	statusCmd := &cobra.Command{
		Use:   "status <CLASS:slot>",
		Short: "Show module state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := persist.ParseSlotRef(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, modmgmt.OpGetModuleStatus, modmgmt.ModuleRequest{Class: ref.Class, Slot: ref.Slot, Peer: peer})
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info <CLASS:slot>",
		Short: "Show an IO or back-end module with its ports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := persist.ParseSlotRef(args[0])
			if err != nil {
				return err
			}
			op := modmgmt.OpGetIOModuleInfo
			if ref.Class == domain.ClassMezzanine {
				op = modmgmt.OpGetMezzanineInfo
			}
			return a.run(cmd, op, modmgmt.ModuleRequest{Class: ref.Class, Slot: ref.Slot, Peer: peer})
		},
	}

	var off bool
	markCmd := &cobra.Command{
		Use:   "mark <CLASS:slot>",
		Short: "Turn a module's fault indicator on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := persist.ParseSlotRef(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, modmgmt.OpMarkIOModule, modmgmt.MarkModuleRequest{Class: ref.Class, Slot: ref.Slot, On: !off})
		},
	}
	markCmd.Flags().BoolVar(&off, "off", false, "turn the indicator off")

	moduleCmd.AddCommand(statusCmd, infoCmd, markCmd)
	return moduleCmd
}

// =============================================================================
// Ports
// =============================================================================

// parsePortRef parses "CLASS:slot:port".
func parsePortRef(v string) (domain.PortLocation, error) {
	i := strings.LastIndex(v, ":")
	if i < 0 {
		return domain.PortLocation{}, fmt.Errorf("%w: port reference %q, want CLASS:slot:port", domain.ErrInvalidArgument, v)
	}
	ref, err := persist.ParseSlotRef(v[:i])
	if err != nil {
		return domain.PortLocation{}, err
	}
	port, err := strconv.Atoi(v[i+1:])
	if err != nil || port < 0 {
		return domain.PortLocation{}, fmt.Errorf("%w: port reference %q has a bad port number", domain.ErrInvalidArgument, v)
	}
	return domain.PortLocation{Class: ref.Class, Slot: ref.Slot, Port: port}, nil
}

func (a *App) portCmd() *cobra.Command {
	var peer bool
	portCmd := &cobra.Command{
		Use:   "port",
		Short: "Inspect ports and change the persisted port configuration",
		Long:  "Ports are addressed as CLASS:slot:port, for example IO_MODULE:1:0.",
	}
	portCmd.PersistentFlags().BoolVar(&peer, "peer", false, "address the peer controller's port")

	lookup := func(use, short string, op modmgmt.Opcode) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <CLASS:slot:port>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				loc, err := parsePortRef(args[0])
				if err != nil {
					return err
				}
				return a.run(cmd, op, modmgmt.PortRequest{Class: loc.Class, Slot: loc.Slot, Port: loc.Port, Peer: peer})
			},
		}
	}

	var off bool
	markCmd := &cobra.Command{
		Use:   "mark <CLASS:slot:port>",
		Short: "Turn a port's indicator on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parsePortRef(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, modmgmt.OpMarkIOPort, modmgmt.MarkPortRequest{Class: loc.Class, Slot: loc.Slot, Port: loc.Port, On: !off})
		},
	}
	markCmd.Flags().BoolVar(&off, "off", false, "turn the indicator off")

	portCmd.AddCommand(
		lookup("info", "Show port role, logical number and link", modmgmt.OpGetPortInfo),
		lookup("sfp", "Show the SFP in a port", modmgmt.OpGetSFPInfo),
		markCmd,
		a.portConfigCmd(),
	)
	return portCmd
}

func (a *App) portConfigCmd() *cobra.Command {
	var (
		file      string
		module    string
		locations []string
	)
	cmd := &cobra.Command{
		Use:   "config <action>",
		Short: "Change the persisted port configuration",
		Long: `Actions: PERSIST_ALL, UPGRADE, REPLACE, PERSIST_LIST,
PERSIST_LIST_OVERWRITE, REMOVE_ALL, REMOVE_LIST.

The persist-list actions read their entries from --file, a JSON array of
persisted port entries. REMOVE_LIST takes --location flags and REPLACE takes
--module.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := modmgmt.SetPortConfigRequest{Action: modmgmt.PortConfigAction(strings.ToUpper(args[0]))}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read entries: %w", err)
				}
				if err := json.Unmarshal(data, &req.Entries); err != nil {
					return fmt.Errorf("failed to parse entries: %w", err)
				}
			}
			for _, v := range locations {
				loc, err := parsePortRef(v)
				if err != nil {
					return err
				}
				req.Locations = append(req.Locations, loc)
			}
			if module != "" {
				ref, err := persist.ParseSlotRef(module)
				if err != nil {
					return err
				}
				req.Module = ref
			}
			return a.run(cmd, modmgmt.OpSetPortConfig, req)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with persisted port entries")
	cmd.Flags().StringVar(&module, "module", "", "module to replace, as CLASS:slot")
	cmd.Flags().StringArrayVar(&locations, "location", nil, "port to remove, as CLASS:slot:port (repeatable)")
	return cmd
}

// =============================================================================
// Management ports
// =============================================================================

func (a *App) mgmtCmd() *cobra.Command {
	var peer bool
	mgmtCmd := &cobra.Command{
		Use:   "mgmt",
		Short: "Inspect and configure management ports",
	}
	mgmtCmd.PersistentFlags().BoolVar(&peer, "peer", false, "address the peer controller's management module")

	slotArg := func(args []string) (int, error) {
		slot, err := strconv.Atoi(args[0])
		if err != nil || slot < 0 {
			return 0, fmt.Errorf("%w: bad slot %q", domain.ErrInvalidArgument, args[0])
		}
		return slot, nil
	}

	infoCmd := &cobra.Command{
		Use:   "info <slot>",
		Short: "Show a management module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := slotArg(args)
			if err != nil {
				return err
			}
			return a.run(cmd, modmgmt.OpGetMgmtCompInfo, modmgmt.MgmtRequest{Slot: slot, Peer: peer})
		},
	}

	requestedCmd := &cobra.Command{
		Use:   "requested <slot>",
		Short: "Show requested and applied management port settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := slotArg(args)
			if err != nil {
				return err
			}
			return a.run(cmd, modmgmt.OpGetRequestedMgmtPortConfig, modmgmt.MgmtRequest{Slot: slot, Peer: peer})
		},
	}

	var (
		autoNeg string
		speed   int
		duplex  string
		revert  bool
	)
	speedCmd := &cobra.Command{
		Use:   "speed <slot>",
		Short: "Change management port speed and duplex",
		Long: `Sends new settings to the local management port and waits for the
outcome. With --revert the previous settings are restored when the link does
not come up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := slotArg(args)
			if err != nil {
				return err
			}
			settings := domain.MgmtPortSettings{
				AutoNeg: domain.AutoNeg(strings.ToUpper(autoNeg)),
				Speed:   domain.Speed(speed),
				Duplex:  domain.Duplex(strings.ToUpper(duplex)),
			}
			return a.run(cmd, modmgmt.OpConfigMgmtPortSpeed, modmgmt.MgmtPortRequest{Slot: slot, Settings: settings, Revert: revert})
		},
	}
	speedCmd.Flags().StringVar(&autoNeg, "autoneg", "", "auto-negotiation: on, off")
	speedCmd.Flags().IntVar(&speed, "speed", 0, "speed in Mb/s: 10, 100, 1000")
	speedCmd.Flags().StringVar(&duplex, "duplex", "", "duplex: half, full")
	speedCmd.Flags().BoolVar(&revert, "revert", true, "restore the previous settings on failure")

	mgmtCmd.AddCommand(infoCmd, requestedCmd, speedCmd)
	return mgmtCmd
}

// =============================================================================
// Raw access and tokens
// =============================================================================

func (a *App) invokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <OPCODE> [json]",
		Short: "Run any control operation with a raw JSON request",
		Args:  cobra.RangeArgs(1, 2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			names := make([]string, 0, len(modmgmt.Opcodes))
			for _, op := range modmgmt.Opcodes {
				names = append(names, string(op))
			}
			return names, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var req any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("%w: request is not valid JSON", domain.ErrInvalidArgument)
				}
				req = json.RawMessage(args[1])
			}
			return a.run(cmd, modmgmt.Opcode(strings.ToUpper(args[0])), req)
		},
	}
}

func (a *App) tokenCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Sign a control API token with the daemon's secret",
		Args:  cobra.ExactArgs(1),
		// Needs no server connection.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.formatter = NewFormatter(a.opts.Output)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			cfg, err := config.Load(a.opts.ConfigFile)
			if err != nil {
				return err
			}
			jwtManager, err := auth.NewJWTManager(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := jwtManager.Generate(args[0], r)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(tok)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "token role: viewer, operator")
	return cmd
}

func (a *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "modmgmtctl version %s\nAPI server: %s\n", a.version, a.opts.ServerURL)
			return nil
		},
	}
}
