package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show aggregate daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Daemon:   %s (v%s), up %s\n",
				st.State, st.Version, (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Printf("Ports:    %d allocated, %d available in [%d,%d]\n",
				st.Ports.Allocated, st.Ports.Available, st.Ports.RangeStart, st.Ports.RangeEnd)
			states := make([]string, 0, len(st.Instances))
			for state := range st.Instances {
				states = append(states, state)
			}
			sort.Strings(states)
			fmt.Print("Instances:")
			for _, state := range states {
				fmt.Printf(" %d %s", st.Instances[state], state)
			}
			fmt.Println()
			return nil
		},
	}
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage tenant instances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			instances, err := c.Instances(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%-32s %-9s %-6s %-8s %-10s %s\n", "TENANT", "STATE", "PORT", "PID", "MEM(MB)", "RESTARTS")
			for _, inst := range instances {
				fmt.Printf("%-32s %-9s %-6d %-8d %-10.1f %d\n",
					inst.Tenant, inst.State, inst.Port, inst.PID,
					float64(inst.Usage.MemoryBytes)/(1024*1024), inst.RestartCount)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <tenant>",
		Short: "Show one instance in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			detail, err := c.Instance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Tenant:   %s\n", detail.Tenant)
			fmt.Printf("State:    %s\n", detail.State)
			fmt.Printf("Port:     %d\n", detail.Port)
			fmt.Printf("PID:      %d\n", detail.PID)
			if detail.Package != "" {
				fmt.Printf("Package:  %s\n", detail.Package)
			}
			fmt.Printf("Memory:   %.1f MB\n", float64(detail.Usage.MemoryBytes)/(1024*1024))
			fmt.Printf("CPU:      %.1f%%\n", detail.Usage.CPUPercent)
			fmt.Printf("Restarts: %d\n", detail.RestartCount)
			fmt.Printf("Apps:     %d\n", len(detail.Apps))
			for _, app := range detail.Apps {
				fmt.Printf("  - %s\n", app)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "start <tenant>",
		Short: "Start an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			res, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Started %s on port %d (pid %d)\n", args[0], res.Port, res.PID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <tenant>",
		Short: "Stop an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			res, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Stopped {
				fmt.Printf("Stopped %s\n", args[0])
			} else {
				fmt.Printf("%s was not running\n", args[0])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restart <tenant>",
		Short: "Restart an instance, keeping its port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			res, err := c.Restart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Restarted %s on port %d (pid %d)\n", args[0], res.Port, res.PID)
			return nil
		},
	})

	logs := &cobra.Command{
		Use:   "logs <tenant>",
		Short: "Show recent output from an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			c, err := apiClient()
			if err != nil {
				return err
			}
			lines, err := c.Logs(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	logs.Flags().Int("count", 100, "number of lines to fetch")
	cmd.AddCommand(logs)

	create := &cobra.Command{
		Use:   "create <tenant>",
		Short: "Provision an instance without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, _ := cmd.Flags().GetString("package")
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.CreateInstance(cmd.Context(), args[0], pkg); err != nil {
				return err
			}
			fmt.Printf("Provisioned %s\n", args[0])
			return nil
		},
	}
	create.Flags().String("package", "", "limit package to assign")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <tenant>",
		Short: "Stop an instance and purge all of its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.RemoveInstance(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func portCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Manage port allocations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the port registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			snap, err := c.Ports(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Range [%d,%d]: %d allocated, %d available\n",
				snap.RangeStart, snap.RangeEnd, snap.Allocated, snap.Available)
			tenants := make([]string, 0, len(snap.Ports))
			for tenant := range snap.Ports {
				tenants = append(tenants, tenant)
			}
			sort.Strings(tenants)
			for _, tenant := range tenants {
				fmt.Printf("  %-32s %d\n", tenant, snap.Ports[tenant])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allocate <tenant>",
		Short: "Allocate a port for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			port, err := c.AllocatePort(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Allocated port %d for %s\n", port, args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <tenant>",
		Short: "Release a tenant's port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			released, err := c.ReleasePort(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Printf("Released port for %s\n", args[0])
			} else {
				fmt.Printf("%s had no port allocated\n", args[0])
			}
			return nil
		},
	})

	return cmd
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to reload its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.ReloadConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Configuration reloaded")
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetInt("limit")
			c, err := apiClient()
			if err != nil {
				return err
			}
			evs, err := c.Events(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				ts := time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339)
				if ev.Tenant != "" {
					fmt.Printf("%s %-24s %s\n", ts, ev.Type, ev.Tenant)
				} else {
					fmt.Printf("%s %s\n", ts, ev.Type)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "filter by tenant")
	cmd.Flags().Int("limit", 50, "maximum events to fetch")
	return cmd
}
