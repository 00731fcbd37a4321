package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselworks/flotilla/pkg/client"
)

// Pool commands talk to a running serve process over the admin API. The
// pool database is locked by the daemon, so direct reads are not an
// option.
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and prod the warm VM pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool counters and VM rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		pool, err := c.PoolStatus(context.Background())
		if err != nil {
			return err
		}

		s := pool.Stats
		fmt.Printf("Pool: %d total (%d warm, %d provisioning, %d claimed, %d deployed, %d failed)\n",
			s.Total, s.Warm, s.Provisioning, s.Claimed, s.Deployed, s.Failed)
		if len(pool.VMs) == 0 {
			return nil
		}

		fmt.Println()
		fmt.Printf("%-14s %-13s %-18s %-10s %s\n", "ID", "STATUS", "INSTANCE", "AGE", "AGENT")
		for _, vm := range pool.VMs {
			fmt.Printf("%-14s %-13s %-18s %-10s %s\n",
				vm.ID, vm.Status, shortHash(vm.InstanceHash), age(vm.CreatedAt), vm.AgentID)
		}
		return nil
	},
}

var poolReleaseCmd = &cobra.Command{
	Use:   "release VM_ID",
	Short: "Return a claimed VM to the warm pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		if err := c.ReleaseVM(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to release VM: %v", err)
		}
		fmt.Printf("✓ VM released: %s\n", args[0])
		return nil
	},
}

var poolRemoveCmd = &cobra.Command{
	Use:   "remove VM_ID",
	Short: "Drop a VM from the pool, optionally destroying its instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destroy, _ := cmd.Flags().GetBool("destroy")
		c := adminClient(cmd)
		if err := c.RemoveVM(context.Background(), args[0], destroy); err != nil {
			return fmt.Errorf("failed to remove VM: %v", err)
		}
		if destroy {
			fmt.Printf("✓ VM removed and instance destroyed: %s\n", args[0])
		} else {
			fmt.Printf("✓ VM removed from pool: %s\n", args[0])
		}
		return nil
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Show temporarily excluded marketplace nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)
		bl, err := c.Blacklist(context.Background())
		if err != nil {
			return err
		}
		if bl.Count == 0 {
			fmt.Println("Blacklist is empty.")
			return nil
		}
		fmt.Printf("%d blacklisted node(s):\n", bl.Count)
		for _, e := range bl.Entries {
			fmt.Printf("  %s (expires in %s)\n", e.Endpoint, until(e.ExpiresAt))
		}
		return nil
	},
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments [AGENT_ID]",
	Short: "Show tracked deployment progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminClient(cmd)

		if len(args) == 1 {
			d, err := c.Deployment(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deployment: %s (%s)\n", d.AgentID, deploymentState(d.Settled, d.Failed))
			for _, step := range d.Steps {
				line := fmt.Sprintf("  %-12s %s", step.Key, step.Status)
				if step.Detail != "" {
					line += " (" + step.Detail + ")"
				}
				fmt.Println(line)
			}
			return nil
		}

		list, err := c.Deployments(context.Background())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No tracked deployments.")
			return nil
		}
		fmt.Printf("%-20s %-10s %-10s %s\n", "AGENT", "STATE", "STEPS", "STARTED")
		for _, d := range list {
			fmt.Printf("%-20s %-10s %-10d %s\n",
				d.AgentID, deploymentState(d.Settled, d.Failed), len(d.Steps),
				d.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolReleaseCmd)
	poolCmd.AddCommand(poolRemoveCmd)
	poolCmd.PersistentFlags().String("server", "http://127.0.0.1:9090", "Admin API address")
	poolRemoveCmd.Flags().Bool("destroy", false, "Also destroy the marketplace instance")

	blacklistCmd.Flags().String("server", "http://127.0.0.1:9090", "Admin API address")
	deploymentsCmd.Flags().String("server", "http://127.0.0.1:9090", "Admin API address")

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(deploymentsCmd)
}

func adminClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.New(addr)
}

func deploymentState(settled, failed bool) string {
	switch {
	case failed:
		return "failed"
	case settled:
		return "done"
	default:
		return "running"
	}
}

func shortHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}

func age(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

func until(t time.Time) string {
	d := time.Until(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}
