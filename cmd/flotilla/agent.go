package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/orchestrator"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

// Deploy, repair, and destroy run the full flow in this process rather
// than through a daemon. The pool database lock rejects them while
// serve is running.

var deployCmd = &cobra.Command{
	Use:   "deploy AGENT_ID",
	Short: "Deploy an agent onto a marketplace VM",
	Long: `Deploy an agent workload onto a VM, claiming a warm one from the
pool when available and provisioning a fresh instance otherwise.

Examples:
  # Deploy from a local source tree
  flotilla deploy agent-7 --source ./agent

  # Deploy with environment and a fixed public name
  flotilla deploy agent-7 --source ./agent --env OPENAI_API_KEY=sk-x --fqdn agent7.2n6.me`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var repairCmd = &cobra.Command{
	Use:   "repair INSTANCE_HASH",
	Short: "Redeploy an agent onto its existing instance",
	Long: `Repair a broken agent without paying for a new instance: restart the
instance on its compute node (reassigning a node when the old one is
gone), wait for allocation, and run the full deployment again.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy INSTANCE_HASH",
	Short: "Destroy an instance and drop its pool bookkeeping",
	Args:  cobra.ExactArgs(1),
	RunE: runDestroy,
}

func init() {
	deployCmd.Flags().StringP("config", "c", "", "Path to config file")
	deployCmd.Flags().String("source", "", "Local source tree to ship (required)")
	deployCmd.Flags().String("service-name", "", "systemd unit name (default from config)")
	deployCmd.Flags().Int("port", 0, "Workload listen port (default from config)")
	deployCmd.Flags().String("fqdn", "", "Public name (default: gateway subdomain for the instance)")
	deployCmd.Flags().StringArray("env", nil, "Environment for the agent, KEY=VALUE (repeatable)")
	_ = deployCmd.MarkFlagRequired("source")

	repairCmd.Flags().StringP("config", "c", "", "Path to config file")
	repairCmd.Flags().String("agent", "", "Agent ID to report progress under (required)")
	repairCmd.Flags().String("crn", "", "Compute node URL the instance ran on (reassigned when omitted)")
	repairCmd.Flags().String("source", "", "Local source tree to ship (required)")
	repairCmd.Flags().String("service-name", "", "systemd unit name (default from config)")
	repairCmd.Flags().Int("port", 0, "Workload listen port (default from config)")
	repairCmd.Flags().String("fqdn", "", "Public name (default: gateway subdomain for the instance)")
	repairCmd.Flags().StringArray("env", nil, "Environment for the agent, KEY=VALUE (repeatable)")
	_ = repairCmd.MarkFlagRequired("agent")
	_ = repairCmd.MarkFlagRequired("source")

	destroyCmd.Flags().StringP("config", "c", "", "Path to config file")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(destroyCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	o, ctx, cleanup, err := oneShot(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Deploying agent '%s'...\n", spec.AgentID)
	res, err := o.Deploy(ctx, spec, terminalSink())
	if err != nil {
		return fmt.Errorf("deployment failed: %v", err)
	}

	fmt.Println()
	fmt.Printf("✓ Agent deployed: https://%s\n", strings.TrimPrefix(res.URL, "https://"))
	fmt.Printf("  Instance: %s\n", res.InstanceHash)
	fmt.Printf("  CRN: %s\n", res.CRNURL)
	if res.FastPath {
		fmt.Printf("  Pool VM: %s (fast path)\n", res.PoolVMID)
	}
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	crnURL, _ := cmd.Flags().GetString("crn")
	spec, err := specFromFlags(cmd, agentID)
	if err != nil {
		return err
	}

	o, ctx, cleanup, err := oneShot(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Repairing instance %s...\n", shortHash(args[0]))
	res, err := o.Repair(ctx, args[0], crnURL, spec, terminalSink())
	if err != nil {
		return fmt.Errorf("repair failed: %v", err)
	}

	fmt.Println()
	fmt.Printf("✓ Agent redeployed: https://%s\n", strings.TrimPrefix(res.URL, "https://"))
	fmt.Printf("  CRN: %s\n", res.CRNURL)
	return nil
}

func runDestroy(cmd *cobra.Command, args []string) error {
	o, ctx, cleanup, err := oneShot(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Destroying instance %s...\n", shortHash(args[0]))
	if err := o.Destroy(ctx, args[0]); err != nil {
		return fmt.Errorf("destroy failed: %v", err)
	}
	fmt.Println("✓ Instance destroyed")
	return nil
}

// oneShot builds a started orchestrator for a single operation. The warm
// pool loops stay off so the command does not begin provisioning spares
// on the side.
func oneShot(cmd *cobra.Command) (*orchestrator.Orchestrator, context.Context, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %v", err)
	}
	cfg.Pool.Enabled = false
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	o, err := orchestrator.New(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build orchestrator: %v", err)
	}
	o.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cleanup := func() {
		stop()
		o.Stop()
	}
	return o, ctx, cleanup, nil
}

// specFromFlags assembles the deployment spec shared by deploy and
// repair.
func specFromFlags(cmd *cobra.Command, agentID string) (types.DeployConfig, error) {
	source, _ := cmd.Flags().GetString("source")
	serviceName, _ := cmd.Flags().GetString("service-name")
	port, _ := cmd.Flags().GetInt("port")
	fqdn, _ := cmd.Flags().GetString("fqdn")
	envPairs, _ := cmd.Flags().GetStringArray("env")

	env := make(map[string]string, len(envPairs))
	for _, kv := range envPairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return types.DeployConfig{}, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	return types.DeployConfig{
		AgentID:     agentID,
		ServiceName: serviceName,
		SourceDir:   source,
		Env:         env,
		ListenPort:  port,
		FQDN:        fqdn,
	}, nil
}

// terminalSink renders step transitions as terminal lines.
func terminalSink() progress.Sink {
	return progress.SinkFunc(func(step string, status types.StepStatus, detail string) {
		switch status {
		case types.StepRunning:
			if detail != "" {
				fmt.Printf("  %s: %s\n", step, detail)
			} else {
				fmt.Printf("  %s...\n", step)
			}
		case types.StepDone:
			if detail != "" {
				fmt.Printf("✓ %s: %s\n", step, detail)
			} else {
				fmt.Printf("✓ %s\n", step)
			}
		case types.StepFailed:
			fmt.Printf("✗ %s: %s\n", step, detail)
		}
	})
}
