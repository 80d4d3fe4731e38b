package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/mounts"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

var (
	taskRoom   string
	taskStatus string
	runsLimit  int
)

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "Inspect the mount allowlist",
}

var mountsTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Print a starter mount allowlist",
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = cmd.OutOrStdout().Write(mounts.Template())
	},
}

var mountsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate every room's extra mounts against the allowlist",
	RunE:  runMountsCheck,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect scheduled tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE:  runTasksList,
}

var tasksRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "Show the run log of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRuns,
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Inspect registered rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered rooms",
	RunE:  runRoomsList,
}

func init() {
	mountsCmd.AddCommand(mountsTemplateCmd, mountsCheckCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksRunsCmd)
	roomsCmd.AddCommand(roomsListCmd)

	for _, cmd := range []*cobra.Command{mountsCheckCmd, tasksListCmd, tasksRunsCmd, roomsListCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	}
	tasksListCmd.Flags().StringVar(&taskRoom, "room", "", "only tasks owned by or targeting this room folder")
	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "only tasks in this status (active, paused, cancelled, error)")
	tasksRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")
}

// withShared loads config and shared components with a quiet logger.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	return fn(ctx, sc)
}

func runMountsCheck(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		list, err := sc.Rooms.List(ctx)
		if err != nil {
			return fmt.Errorf("listing rooms: %w", err)
		}
		if sc.Allowlist == nil {
			fmt.Println("No mount allowlist found: extra mounts are rejected.")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tHOST PATH\tCONTAINER PATH\tMODE")
		var rejected int
		for i := range list {
			room := &list[i]
			base := mounts.Base(sc.Workspace.RoomPaths(room.Folder, sc.Config.Mounts.ProjectDir), room.IsMain)
			ms, err := mounts.Validate(room, base, room.ExtraMounts, sc.Allowlist)
			if err != nil {
				rejected++
				var rej *mounts.RejectionError
				if errors.As(err, &rej) {
					fmt.Fprintf(w, "%s\t%s\t-\trejected: %s\n", room.Folder, rej.HostPath, rej.Reason)
				} else {
					fmt.Fprintf(w, "%s\t-\t-\trejected: %v\n", room.Folder, err)
				}
				continue
			}
			for _, m := range ms[len(base):] {
				mode := "rw"
				if m.ReadOnly {
					mode = "ro"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", room.Folder, m.HostPath, m.ContainerPath, mode)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if rejected > 0 {
			return fmt.Errorf("%d room(s) have rejected mounts", rejected)
		}
		return nil
	})
}

func runTasksList(_ *cobra.Command, _ []string) error {
	filter := scheduler.TaskFilter{Room: taskRoom, Status: domain.TaskStatus(taskStatus)}
	switch filter.Status {
	case "", domain.TaskActive, domain.TaskPaused, domain.TaskCancelled, domain.TaskError:
	default:
		return fmt.Errorf("unknown status %q", taskStatus)
	}

	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		tasks, err := sc.Store.Tasks().List(ctx, filter)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		loc := sc.Config.Location()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULE\tOWNER\tTARGET\tNEXT RUN\tPROMPT")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.ScheduleType, t.ScheduleValue,
				t.OwnerRoomFolder, t.TargetRoomFolder,
				formatTime(t.NextRunAt, loc), truncate(t.Prompt, 50))
		}
		return w.Flush()
	})
}

func runTasksRuns(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		if _, err := sc.Store.Tasks().Get(ctx, args[0]); err != nil {
			return fmt.Errorf("task %s: %w", args[0], err)
		}
		runs, err := sc.Store.TaskRuns().ListRuns(ctx, args[0], runsLimit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}

		loc := sc.Config.Location()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN AT\tDURATION\tSTATUS\tDETAIL")
		for _, r := range runs {
			detail := r.Result
			if r.Error != "" {
				detail = r.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				formatTime(&r.RunAt, loc), r.Duration.Round(time.Millisecond), r.Status, truncate(detail, 60))
		}
		return w.Flush()
	})
}

func runRoomsList(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		list, err := sc.Rooms.List(ctx)
		if err != nil {
			return fmt.Errorf("listing rooms: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No rooms registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FOLDER\tNAME\tCHAT REF\tMAIN\tTRIGGER\tEXTRA MOUNTS")
		for i := range list {
			r := &list[i]
			trigger := "-"
			if r.NeedsTrigger() {
				trigger = r.TriggerPattern
				if trigger == "" {
					trigger = "@" + sc.Rooms.AssistantName()
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\n",
				r.Folder, r.Name, r.ChatRef, r.IsMain, trigger, len(r.ExtraMounts))
		}
		return w.Flush()
	})
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
