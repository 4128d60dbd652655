package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/conduitq/conduit/pkg/types"
	"github.com/conduitq/conduit/pkg/workflow"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Submit and inspect workflows",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit -f FILE",
	Short: "Submit a workflow from a YAML definition",
	Long: `Submit a workflow definition. The definition names its tasks and their
depends_on edges; validation rejects unknown references and cycles before
anything is persisted, and root tasks are enqueued immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		spec, err := readWorkflowSpec(file)
		if err != nil {
			return err
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		graph, err := c.service.SubmitWorkflow(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Println(graph.Workflow.ID)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status WORKFLOW_ID",
	Short: "Show the status of every task in a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		wf, err := c.store.GetWorkflow(args[0])
		if err != nil {
			return err
		}
		tasks, err := c.store.ListTasksByWorkflow(wf.ID)
		if err != nil {
			return err
		}

		fmt.Printf("%s  %s  %d tasks\n", wf.ID, wf.Name, len(tasks))
		for _, task := range tasks {
			line := fmt.Sprintf("  %s  %-10s  %s", task.ID, task.Status, task.Name)
			if task.Skipped {
				line += "  (skipped)"
			}
			if task.Error != "" {
				line += "  " + task.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage workflow templates",
}

var templateSaveCmd = &cobra.Command{
	Use:   "save -f FILE",
	Short: "Save a workflow template",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var tmpl workflow.Template
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return fmt.Errorf("parse %s: %v", file, err)
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		templates := workflow.NewTemplates(c.broker)
		if err := templates.Save(cmd.Context(), &tmpl); err != nil {
			return err
		}
		fmt.Println(tmpl.ID)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		templates := workflow.NewTemplates(c.broker)
		ids, err := templates.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			tmpl, err := templates.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  params %v\n", tmpl.ID, tmpl.Name, tmpl.Parameters)
		}
		return nil
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete TEMPLATE_ID",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()
		return workflow.NewTemplates(c.broker).Delete(cmd.Context(), args[0])
	},
}

var templateRunCmd = &cobra.Command{
	Use:   "run TEMPLATE_ID",
	Short: "Instantiate a template and submit the workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("param")
		params := make(map[string]string, len(raw))
		for _, pair := range raw {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("--param must be key=value, got %q", pair)
			}
			params[key] = value
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		spec, err := workflow.NewTemplates(c.broker).Instantiate(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		graph, err := c.service.SubmitWorkflow(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Println(graph.Workflow.ID)
		return nil
	},
}

func readWorkflowSpec(file string) (*workflow.Spec, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var spec workflow.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %v", file, err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("workflow name required: %w", types.ErrInvalidTask)
	}
	return &spec, nil
}

func init() {
	workflowSubmitCmd.Flags().StringP("file", "f", "", "Workflow definition YAML")
	templateSaveCmd.Flags().StringP("file", "f", "", "Template definition YAML")
	templateRunCmd.Flags().StringArray("param", nil, "Template parameter as key=value (repeatable)")

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowStatusCmd)

	templateCmd.AddCommand(templateSaveCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateDeleteCmd)
	templateCmd.AddCommand(templateRunCmd)
}
