package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/frpbox"
	"github.com/zhangyunhao116/frpbox/internal/control"
)

var logsClear bool

func init() {
	rootCmd.AddCommand(cmdStart, cmdStop, cmdStopAll, cmdStatus, cmdLogs, cmdVersion, cmdIntent)
	cmdLogs.Flags().BoolVar(&logsClear, "clear", false, "Delete the retained output instead of printing it")
}

// taskArg validates a "kind/name" argument before it is sent.
func taskArg(s string) (string, error) {
	t, err := frpbox.ParseTask(s)
	if err != nil {
		return "", err
	}
	b, _ := t.MarshalText()
	return string(b), nil
}

var cmdStart = &cobra.Command{
	Use:   "start kind/name...",
	Short: "Start tasks, e.g. frpc/home.toml",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			task, err := taskArg(a)
			if err != nil {
				return err
			}
			var reply startReply
			if err := call(cmd.Context(), control.Request{Op: control.OpStart, Task: task}, &reply); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: %s\n", reply.Task, reply.Result)
		}
		return nil
	},
}

var cmdStop = &cobra.Command{
	Use:   "stop kind/name...",
	Short: "Stop tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			task, err := taskArg(a)
			if err != nil {
				return err
			}
			if err := call(cmd.Context(), control.Request{Op: control.OpStop, Task: task}, nil); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: stopped\n", task)
		}
		return nil
	},
}

var cmdStopAll = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every task and release both proxies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), control.Request{Op: control.OpStopAll}, nil)
	},
}

var cmdStatus = &cobra.Command{
	Use:   "status",
	Short: "Show running and pending tasks and proxy states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st statusReply
		if err := call(cmd.Context(), control.Request{Op: control.OpStatus}, &st); err != nil {
			return err
		}
		printTasks("running", st.Running)
		printTasks("pending", st.Pending)
		printTasks("desired", st.Desired)
		for _, p := range st.Proxies {
			fmt.Fprintf(os.Stdout, "proxy %-8s %s %-9s active=%t network=%s validated=%t\n",
				p.Transport, p.Addr, p.State, p.Active, p.Network, p.Validated)
		}
		return nil
	},
}

func printTasks(label string, tasks []frpbox.Task) {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.String()
	}
	if len(names) == 0 {
		names = []string{"-"}
	}
	fmt.Fprintf(os.Stdout, "%-8s %s\n", label, strings.Join(names, " "))
}

var cmdLogs = &cobra.Command{
	Use:   "logs kind/name",
	Short: "Print the retained output of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := taskArg(args[0])
		if err != nil {
			return err
		}
		if logsClear {
			return call(cmd.Context(), control.Request{Op: control.OpClearLogs, Task: task}, nil)
		}
		var text string
		if err := call(cmd.Context(), control.Request{Op: control.OpLogs, Task: task}, &text); err != nil {
			return err
		}
		if text != "" {
			fmt.Fprintln(os.Stdout, text)
		}
		return nil
	},
}

var cmdVersion = &cobra.Command{
	Use:   "version [frpc|frps]",
	Short: "Print the version of the worker binaries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := frpbox.Kinds
		if len(args) == 1 {
			k, err := frpbox.ParseKind(args[0])
			if err != nil {
				return err
			}
			kinds = []frpbox.TaskKind{k}
		}
		for _, k := range kinds {
			var v string
			if err := call(cmd.Context(), control.Request{Op: control.OpVersion, Kind: string(k)}, &v); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", k, v)
		}
		return nil
	},
}

var cmdIntent = &cobra.Command{
	Use:   "intent boot|start|stop|stop_all [kind/name]",
	Short: "Send an automation intent, subject to the auto-start preferences",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := control.Request{Op: control.OpIntent, Action: args[0]}
		if len(args) == 2 {
			t, err := frpbox.ParseTask(args[1])
			if err != nil {
				return err
			}
			req.Kind, req.Name = string(t.Kind), t.Name
		}
		var tasks []frpbox.Task
		if err := call(cmd.Context(), req, &tasks); err != nil {
			return err
		}
		printTasks(args[0], tasks)
		return nil
	},
}
