package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/orchestration"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/reporting"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errNoCase = errors.New("no case selected")

type runOptions struct {
	*globalOptions
	selection

	params          []string
	paramsFile      string
	runID           string
	reportDir       string
	formats         []string
	metricsTextfile string
	failFast        bool
}

func newRunCommand(global *globalOptions) *cobra.Command {
	o := &runOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "run [PATH...]",
		Short: "Run cases from files or directories",
		Example: `  # Run every case under ./cases
  virtcase run

  # Run the hotplug variants of the vcpu cases against another guest
  virtcase run cases/vcpu.yaml --match vcpu.hotplug --param main_vm=fedora40`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&o.params, "param", "p", nil, "override a param, as key=value (repeatable)")
	flags.StringVar(&o.paramsFile, "params-file", "", "key = value file of params overriding the configured ones")
	flags.StringSliceVarP(&o.tags, "tags", "t", nil, "only run cases with one of these tags; prefix with ! to exclude")
	flags.StringSliceVarP(&o.match, "match", "m", nil, "only run cases whose name matches, e.g. vcpu.hotplug")
	flags.StringVar(&o.runID, "run-id", "", "identifier of the run (default: generated)")
	flags.StringVar(&o.reportDir, "report-dir", "", "directory receiving the reports (default: the configured one)")
	flags.StringSliceVar(&o.formats, "format", nil, "report formats: json, text (default: the configured ones)")
	flags.StringVar(&o.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file")
	flags.BoolVar(&o.failFast, "fail-fast", false, "stop at the first case that does not pass")
	return cmd
}

// overrides layers the configured params, the params files and --param.
func (o *runOptions) overrides() (params.Params, error) {
	p := params.New(nil)
	if o.cfg.ParamsFile != "" {
		fromFile, err := params.LoadCfgFile(o.cfg.ParamsFile)
		if err != nil {
			return nil, err
		}
		p = p.Merge(fromFile)
	}
	p = p.Merge(o.cfg.Params)

	if o.paramsFile != "" {
		fromFile, err := params.LoadCfgFile(o.paramsFile)
		if err != nil {
			return nil, err
		}
		p = p.Merge(fromFile)
	}

	assigned, err := params.ParseAssignments(o.params)
	if err != nil {
		return nil, err
	}
	return p.Merge(assigned), nil
}

func newRunID() string {
	return fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
}

func (o *runOptions) run(ctx context.Context, paths []string) error {
	overrides, err := o.overrides()
	if err != nil {
		return err
	}

	instances, err := loadInstances(o.cfg, paths, o.selection, o.errOut)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return errNoCase
	}

	if o.runID == "" {
		o.runID = newRunID()
	}
	logger := o.logger.With("runID", o.runID)

	env, err := newEnvironment(o.cfg, o.runner)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(); err != nil {
			logger.Warn("closing hypervisor connection", "error", err.Error())
		}
	}()

	if leftover, err := env.store.List(); err == nil && len(leftover) > 0 {
		logger.Warn("snapshots of an earlier run were never restored, see `virtcase restore`",
			"count", len(leftover))
	}

	testEnv := env.testEnv(o.runID, logger)
	executor := orchestration.NewExecutor(orchestration.WithOverrides(overrides))

	logger.Info("starting run", "cases", len(instances), "artifactDir", testEnv.ArtifactDir)
	results := make([]*testcase.Result, 0, len(instances))
	for i, inst := range instances {
		if ctx.Err() != nil {
			logger.Warn("interrupted, skipping remaining cases", "remaining", len(instances)-i)
			break
		}

		res := executor.Run(ctx, inst, testEnv)
		printResult(o.out, i+1, len(instances), res)
		results = append(results, res)

		if o.failFast && !res.Status.Ok() {
			logger.Info("stopping at first failure", "case", inst.Name)
			break
		}
	}

	report := reporting.NewReport(o.runID, testEnv.ArtifactDir, results)
	if err := o.writeReports(report); err != nil {
		return err
	}

	if !report.Summary.Ok() {
		return &exitCodeError{code: exitFailure}
	}
	return nil
}

func (o *runOptions) writeReports(report *reporting.Report) error {
	dir := o.reportDir
	if dir == "" {
		dir = o.cfg.Report.Dir
	}
	formats := o.formats
	if len(formats) == 0 {
		formats = o.cfg.Report.Formats
	}

	reporter := reporting.NewReporter(dir)
	for _, f := range formats {
		path, err := reporter.WriteReport(report, reporting.ReportFormat(f))
		if err != nil {
			return err
		}
		o.logger.Debug("report written", "path", path)
	}

	textfile := o.metricsTextfile
	if textfile == "" {
		textfile = o.cfg.Report.MetricsTextfile
	}
	if textfile != "" {
		if err := reporting.WriteMetrics(textfile, report); err != nil {
			return err
		}
	}

	return reporter.PrintSummary(o.out, report)
}

var statusColors = map[testcase.Status]*color.Color{
	testcase.StatusPass:   color.New(color.FgGreen),
	testcase.StatusFail:   color.New(color.FgRed),
	testcase.StatusError:  color.New(color.FgRed, color.Bold),
	testcase.StatusCancel: color.New(color.FgYellow),
}

// printResult prints one line per finished case.
func printResult(w io.Writer, index, total int, res *testcase.Result) {
	status := string(res.Status)
	if c, ok := statusColors[res.Status]; ok {
		status = c.Sprint(status)
	}
	_, _ = fmt.Fprintf(w, " (%d/%d) %s: %s (%.2f s)\n", index, total, res.Name, status, res.Duration.Seconds())
	if res.Message != "" && res.Status != testcase.StatusPass {
		_, _ = fmt.Fprintf(w, "        %s\n", res.Message)
	}
}

