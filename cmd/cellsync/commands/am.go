package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/errors"
	"gopkg.in/yaml.v3"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage cellsync configuration",
	Long: `am: Manage cellsync configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (CELLSYNC_* prefix)
2. Project config (am.toml in the working directory or a parent)
3. User config (~/.cellsync/am.toml)
4. System config (/etc/cellsync/am.toml)
5. Default values

Examples:
  cellsync am show                          # Show effective configuration
  cellsync am show --format json            # ... as JSON
  cellsync am show --sources                # Show where every value came from
  cellsync am get sync.peers                # Get one value
  cellsync am validate                      # Validate configuration
  cellsync am where                         # List config file locations
  cellsync am peer add laptop ws://10.0.0.2:877`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "List configuration file locations",
	RunE:  runAmWhere,
}

var amPeerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Add or remove sync peers",
}

var amPeerAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or replace a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := peerConfigPath()
		if err := am.SetPeer(path, args[0], args[1]); err != nil {
			return err
		}
		pterm.Success.Printf("Peer %s -> %s written to %s\n", args[0], args[1], path)
		return nil
	},
}

var amPeerRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a peer",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := peerConfigPath()
		if err := am.RemovePeer(path, args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Peer %s removed from %s\n", args[0], path)
		return nil
	},
}

var (
	configFormat  string
	configSources bool
	peerFile      string
)

func init() {
	amShowCmd.Flags().StringVarP(&configFormat, "format", "f", "toml", "Output format: toml, json or yaml")
	amShowCmd.Flags().BoolVar(&configSources, "sources", false, "List every setting with the layer it came from")
	amPeerCmd.PersistentFlags().StringVar(&peerFile, "file", "", "Config file to edit (default: user config)")

	amPeerCmd.AddCommand(amPeerAddCmd, amPeerRemoveCmd)
	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amWhereCmd, amPeerCmd)
}

func peerConfigPath() string {
	if peerFile != "" {
		return peerFile
	}
	return am.UserConfigPath()
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if configSources {
		return showSources()
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# cellsync configuration\n%s", data)
	case "toml":
		out, err := am.Show(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# cellsync configuration\n%s", out)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func showSources() error {
	settings, err := am.Introspect()
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Key", "Value", "Source", "Path"}}
	for _, s := range settings {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v, err := am.GetViper()
	if err != nil {
		return err
	}
	if !v.IsSet(args[0]) {
		return errors.Wrapf(errors.ErrNotFound, "configuration key %q", args[0])
	}
	fmt.Println(v.Get(args[0]))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Println(err)
		return errors.New("configuration is invalid")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	data := pterm.TableData{{"Layer", "Path", "Present"}}
	for _, layer := range am.ConfigLayers() {
		present := "no"
		if _, err := os.Stat(layer.Path); err == nil {
			present = "yes"
		}
		data = append(data, []string{string(layer.Source), layer.Path, present})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
