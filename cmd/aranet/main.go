package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"aranet-sync/internal/app"
	"aranet-sync/internal/aranet"
	"aranet-sync/internal/config"
	"aranet-sync/internal/database"
	"aranet-sync/internal/export"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an AranetApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "sync", "import").
func newApp(ctx context.Context, operation string) (*app.AranetApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewAranetApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "aranet",
	Short: "Sync Aranet sensor history into a local database",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add your sensors as [[devices]] entries, then run 'aranet sync'.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Transport: %s\n", cfg.Transport.Type)
		for _, d := range cfg.Devices {
			fmt.Printf("Device:    %s %s %s\n", d.Name, d.Address, d.Type)
		}
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:     %s (%s)\n", v.Name, v.Type)
		}
		if cfg.MQTT.Enabled {
			fmt.Printf("MQTT:      %s\n", cfg.MQTT.Broker)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download new history from devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		devices, _ := cmd.Flags().GetStringSlice("device")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := newApp(cmd.Context(), "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		req := app.SyncRequest{Full: full, Devices: devices}
		if !quiet {
			req.Progress = func(deviceID string, p aranet.Progress) {
				fmt.Fprintf(os.Stderr, "\r%s: %s %d/%d (%d/%d)   ",
					deviceID, p.Param, p.ValuesDownloaded, p.TotalValues, p.ParamIndex, p.TotalParams)
			}
		}

		results, err := a.Sync(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if !quiet {
			fmt.Fprintln(os.Stderr)
		}

		for _, r := range results {
			switch {
			case r.Err != nil:
				fmt.Printf("%-24s  error: %v\n", label(r), r.Err)
			case r.UpToDate:
				fmt.Printf("%-24s  up to date (%d readings)\n", label(r), r.TotalReadings)
			default:
				fmt.Printf("%-24s  %d downloaded, %d new  %s\n",
					label(r), r.Downloaded, r.Inserted, r.Duration.Truncate(time.Millisecond))
			}
		}

		sum := aranet.Summarize(results)
		if sum.Failed > 0 {
			return fmt.Errorf("%d of %d devices failed", sum.Failed, sum.Devices)
		}
		return nil
	},
}

func label(r *aranet.SyncResult) string {
	if r.Name != "" {
		return r.Name
	}
	return r.DeviceID
}

// devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "devices")
		if err != nil {
			return err
		}
		defer a.Close()

		devices, err := a.Devices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices synced yet.")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("%-20s  %-24s  %-15s  fw:%-8s  last seen %s\n",
				d.ID, d.Name, d.DeviceType, d.Firmware, d.LastSeen.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// historyQuery builds a query from the shared --device, --since, --until
// and --limit flags.
func historyQuery(cmd *cobra.Command, a *app.AranetApp) (database.HistoryQuery, error) {
	device, _ := cmd.Flags().GetString("device")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")

	hq := database.HistoryQuery{DeviceID: a.ResolveDeviceID(device)}
	if f := cmd.Flags().Lookup("limit"); f != nil {
		hq.Limit, _ = cmd.Flags().GetInt("limit")
	}

	var err error
	now := time.Now()
	if hq.Since, err = parseTime(since, now); err != nil {
		return hq, fmt.Errorf("--since: %w", err)
	}
	if hq.Until, err = parseTime(until, now); err != nil {
		return hq, fmt.Errorf("--until: %w", err)
	}
	return hq, nil
}

// parseTime accepts RFC 3339, a date, or a duration counted back from now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time, date or duration", s)
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("device", "d", "", "Device name or address")
	cmd.Flags().String("since", "", "Oldest record to include (RFC 3339, YYYY-MM-DD or a duration like 24h)")
	cmd.Flags().String("until", "", "Newest record to include")
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored history records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		hq, err := historyQuery(cmd, a)
		if err != nil {
			return err
		}
		hq.NewestFirst = true

		records, err := a.History(cmd.Context(), hq)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No history recorded.")
			return nil
		}

		for _, r := range records {
			line := fmt.Sprintf("%s  %-20s  co2:%4d  %5.1fC  %7.1fhPa  %3d%%",
				r.Timestamp.Local().Format("2006-01-02 15:04"), r.DeviceID,
				r.CO2, r.Temperature, r.Pressure, r.Humidity)
			if r.Radon != nil {
				line += fmt.Sprintf("  radon:%d", *r.Radon)
			}
			if r.RadiationRate != nil {
				line += fmt.Sprintf("  rate:%.3f", *r.RadiationRate)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "stats")
		if err != nil {
			return err
		}
		defer a.Close()

		hq, err := historyQuery(cmd, a)
		if err != nil {
			return err
		}
		stats, err := a.Stats(cmd.Context(), hq)
		if err != nil {
			return err
		}
		if stats.Count == 0 {
			fmt.Println("No history recorded.")
			return nil
		}

		fmt.Printf("Records: %d\n", stats.Count)
		if stats.First != nil && stats.Last != nil {
			fmt.Printf("Range:   %s .. %s\n",
				stats.First.Local().Format("2006-01-02 15:04"), stats.Last.Local().Format("2006-01-02 15:04"))
		}
		printSummary("CO2 (ppm)", stats.CO2)
		printSummary("Temp (C)", stats.Temp)
		printSummary("Pressure", stats.Press)
		printSummary("Humidity", stats.Humid)
		printSummary("Radon", stats.Radon)
		return nil
	},
}

func printSummary(name string, s *database.Summary) {
	if s == nil {
		return
	}
	fmt.Printf("%-10s  min %8.1f  max %8.1f  avg %8.1f\n", name, s.Min, s.Max, s.Avg)
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored history as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		format, err := chooseFormat(formatFlag, output)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "export")
		if err != nil {
			return err
		}
		defer a.Close()

		hq, err := historyQuery(cmd, a)
		if err != nil {
			return err
		}

		w := os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := a.Export(cmd.Context(), hq, format, w)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if w != os.Stdout {
			fmt.Printf("Exported %d record(s) to %s\n", n, output)
		}
		return nil
	},
}

// chooseFormat prefers an explicit --format, then the file extension.
func chooseFormat(flag, path string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if f, err := export.FormatFromPath(path); err == nil {
		return f, nil
	}
	return export.FormatCSV, nil
}

// import command
var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import history from a CSV or JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := chooseFormat(formatFlag, args[0])
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		a, err := newApp(cmd.Context(), "import")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Import(cmd.Context(), format, f)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("Imported %d of %d record(s), %d skipped\n", res.Imported, res.Total, res.Skipped)
		for _, e := range res.Errors {
			fmt.Fprintln(os.Stderr, "  "+e)
		}
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "runs")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  devices:%d  new:%d  %s\n",
				r.ID,
				r.Operation,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Devices,
				r.Inserted,
				duration,
			)
		}
		return nil
	},
}

// read command
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read and store the current values of a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")

		a, err := newApp(cmd.Context(), "read")
		if err != nil {
			return err
		}
		defer a.Close()

		r, dt, err := a.ReadCurrent(cmd.Context(), device)
		if err != nil {
			return fmt.Errorf("reading device: %w", err)
		}

		fmt.Printf("Type:        %s\n", dt)
		if dt == aranet.DeviceTypeAranet4 {
			fmt.Printf("CO2:         %d ppm (%s)\n", r.CO2, r.Status)
		}
		if dt != aranet.DeviceTypeAranetRadiation {
			fmt.Printf("Temperature: %.1f C\n", r.Temperature)
			fmt.Printf("Humidity:    %d %%\n", r.Humidity)
		}
		if dt == aranet.DeviceTypeAranet4 || dt == aranet.DeviceTypeAranetRadon {
			fmt.Printf("Pressure:    %.1f hPa\n", r.Pressure)
		}
		if r.Radon != nil {
			fmt.Printf("Radon:       %d Bq/m3\n", *r.Radon)
		}
		if r.RadiationRate != nil {
			fmt.Printf("Dose rate:   %.3f uSv/h\n", *r.RadiationRate)
		}
		fmt.Printf("Battery:     %d %%\n", r.Battery)
		fmt.Printf("Interval:    %s (updated %ds ago)\n", time.Duration(r.Interval)*time.Second, r.Age)
		return nil
	},
}

// interval command
var intervalCmd = &cobra.Command{
	Use:   "interval",
	Short: "Get or set the measurement interval of a device",
}

var intervalGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the measurement interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")

		a, err := newApp(cmd.Context(), "interval")
		if err != nil {
			return err
		}
		defer a.Close()

		iv, err := a.GetInterval(cmd.Context(), device)
		if err != nil {
			return err
		}
		fmt.Printf("Interval: %d min\n", iv.Minutes())
		return nil
	},
}

var intervalSetCmd = &cobra.Command{
	Use:   "set MINUTES",
	Short: "Change the measurement interval (1, 2, 5 or 10 minutes)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		var minutes int
		if _, err := fmt.Sscanf(strings.TrimSuffix(args[0], "m"), "%d", &minutes); err != nil {
			return fmt.Errorf("invalid interval %q", args[0])
		}

		a, err := newApp(cmd.Context(), "interval")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetInterval(cmd.Context(), device, minutes); err != nil {
			return err
		}
		fmt.Printf("Interval set to %d min\n", minutes)
		return nil
	},
}

// settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change device radio and integration settings",
}

var settingsSmartHomeCmd = &cobra.Command{
	Use:       "smart-home on|off",
	Short:     "Enable or disable the smart home integration",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		enabled := args[0] == "on"

		a, err := newApp(cmd.Context(), "settings")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetSmartHome(cmd.Context(), device, enabled); err != nil {
			return err
		}
		fmt.Printf("Smart home integration %s\n", args[0])
		return nil
	},
}

var settingsRangeCmd = &cobra.Command{
	Use:       "range standard|extended",
	Short:     "Set the Bluetooth range",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"standard", "extended"},
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		extended := args[0] == "extended"

		a, err := newApp(cmd.Context(), "settings")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetBluetoothRange(cmd.Context(), device, extended); err != nil {
			return err
		}
		fmt.Printf("Bluetooth range set to %s\n", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// interval subcommands
	intervalCmd.AddCommand(intervalGetCmd)
	intervalCmd.AddCommand(intervalSetCmd)
	intervalCmd.PersistentFlags().StringP("device", "d", "", "Device name or address")

	// settings subcommands
	settingsCmd.AddCommand(settingsSmartHomeCmd)
	settingsCmd.AddCommand(settingsRangeCmd)
	settingsCmd.PersistentFlags().StringP("device", "d", "", "Device name or address")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("full", false, "Download the whole device history, ignoring sync state")
	syncCmd.Flags().StringSliceP("device", "d", nil, "Device name or address (repeatable; default all configured)")
	syncCmd.Flags().BoolP("quiet", "q", false, "Do not show download progress")
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(historyCmd)
	addQueryFlags(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of records to show")
	rootCmd.AddCommand(statsCmd)
	addQueryFlags(statsCmd)
	rootCmd.AddCommand(exportCmd)
	addQueryFlags(exportCmd)
	exportCmd.Flags().StringP("format", "f", "", "csv or json (default from --output extension, else csv)")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringP("format", "f", "", "csv or json (default from the file extension)")
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringP("device", "d", "", "Device name or address")
	rootCmd.AddCommand(intervalCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(dbCmd)
}
