package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"directshare/config"
	"directshare/service"
	"directshare/storage"
)

var (
	peersWaitFlag    time.Duration
	peersKnownFlag   bool
	peersForgetFlag  string
	historyLimitFlag int
	historyClearFlag bool
)

func init() {
	peersCmd.Flags().DurationVar(&peersWaitFlag, "wait", 3*time.Second, "how long to scan before listing")
	peersCmd.Flags().BoolVar(&peersKnownFlag, "known", false, "list every peer ever seen instead of scanning")
	peersCmd.Flags().StringVar(&peersForgetFlag, "forget", "", "remove a device id from the known peers")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", storage.DefaultHistoryLimit, "maximum number of transfers to list")
	historyCmd.Flags().BoolVar(&historyClearFlag, "clear", false, "delete the stored history")

	configCmd.AddCommand(configSetCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Scan for nearby devices and list them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}

		if peersForgetFlag != "" || peersKnownFlag {
			store, err := storage.OpenPath(config.DatabasePath(e.dataDir))
			if err != nil {
				return err
			}
			defer store.Close()

			if peersForgetFlag != "" {
				if err := store.RemovePeer(peersForgetFlag); err != nil {
					return fmt.Errorf("forget %s: %w", peersForgetFlag, err)
				}
				fmt.Printf("Forgot %s\n", peersForgetFlag)
				return nil
			}

			known, err := store.ListPeers()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODEL\tLAST STATE\tLAST SEEN")
			for _, p := range known {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.DisplayName(), p.Model, p.State, p.LastSeen.Format(time.DateTime))
			}
			return w.Flush()
		}

		svc, err := e.newService(service.Hooks{})
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.StartScanning(); err != nil {
			return fmt.Errorf("discovery: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, peersWaitFlag)
		defer cancel()
		<-ctx.Done()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMODEL\tOS\tAPP\tENDPOINT")
		for _, p := range svc.Peers() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.DisplayName(), p.Model, p.OSVersion, p.AppVersion, p.Endpoint)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		store, err := storage.OpenPath(config.DatabasePath(e.dataDir))
		if err != nil {
			return err
		}
		defer store.Close()

		if historyClearFlag {
			n, err := store.ClearTransfers()
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d transfers\n", n)
			return nil
		}

		files, err := store.ListTransfers(historyLimitFlag)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENDED\tDIRECTION\tPEER\tFILE\tSIZE\tSTATUS\tREASON")
		for _, f := range files {
			ended := "-"
			if !f.EndedAt.IsZero() {
				ended = f.EndedAt.Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ended, f.Direction, f.PeerName, f.FileName, formatBytes(f.Size), f.Status, f.FailureReason)
		}
		return w.Flush()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the device configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(e.cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Configuration from %s:\n\n%s\n", e.cfgPath, raw)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one configuration value",
	Long: "Change one configuration value. Keys: device_name, receive_dir, port_mode, listening_port, " +
		"chunk_size, chunk_delay_ms, auto_accept.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := e.cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(e.cfgPath, e.cfg); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}
