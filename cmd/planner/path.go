package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/planner/internal/tree"
	"github.com/ent0n29/planner/internal/work"
)

// planFile is the hand-written form of a tree: a goal and its proposed
// children. A file with a root_id is read as a saved tree snapshot instead.
type planFile struct {
	Goal        string          `yaml:"goal"`
	Description string          `yaml:"description"`
	Urgency     work.Urgency    `yaml:"urgency"`
	Children    []tree.Proposal `yaml:"children"`
}

type pathReport struct {
	Ready   []tree.Node `json:"ready"`
	Blocked []tree.Node `json:"blocked"`
	Path    []string    `json:"path"`
}

func newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print ready and blocked tasks and the execution path of a tree file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			if strings.TrimSpace(file) == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read tree file: %w", err)
			}
			m, err := loadTree(data)
			if err != nil {
				return err
			}
			report := pathReport{
				Ready:   m.ReadyTasks(),
				Blocked: m.BlockedTasks(),
				Path:    m.ExecutionPath(),
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return writeReport(cmd.OutOrStdout(), m, report)
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML or JSON tree file")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// loadTree reads either a tree snapshot or a plan file. YAML is a superset of
// the JSON these files use, so one decoder serves both.
func loadTree(data []byte) (*tree.Manager, error) {
	var snap tree.Snapshot
	if err := yaml.Unmarshal(data, &snap); err == nil && snap.RootID != "" {
		return tree.Restore(snap, nil)
	}

	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse tree file: %w", err)
	}
	if strings.TrimSpace(plan.Goal) == "" {
		return nil, fmt.Errorf("tree file needs either root_id and nodes or a goal")
	}
	m := tree.NewManager(func() time.Time { return time.Now().UTC() })
	urgency := work.ParseUrgency(string(plan.Urgency), work.UrgencyMedium)
	goal, err := m.AddNode(tree.Node{
		Type:        tree.NodeTypeGoal,
		Title:       plan.Goal,
		Description: plan.Description,
		Source:      work.SourceUser,
		Urgency:     urgency,
	}, m.RootID())
	if err != nil {
		return nil, err
	}
	if _, err := m.InsertProposals(goal.ID, plan.Children, work.SourceUser, urgency, tree.Limits{}); err != nil {
		return nil, err
	}
	return m, nil
}

func writeReport(out io.Writer, m *tree.Manager, r pathReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "READY\tURGENCY\tTITLE")
	for _, n := range r.Ready {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", n.ID, n.Urgency, n.Title)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "BLOCKED\tSTATUS\tTITLE")
	for _, n := range r.Blocked {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", n.ID, n.TaskStatus, n.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "EXECUTION PATH")
	for i, id := range r.Path {
		title := id
		if n, ok := m.Get(id); ok {
			title = n.Title
		}
		fmt.Fprintf(out, "%d. %s\n", i+1, title)
	}
	return nil
}
