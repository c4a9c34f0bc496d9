// Command compose renders documents locally and drives bulk jobs through
// the API.
//
//	compose render -fields fields.json -values values.json [-source scan.png] -out out.png
//	compose submit -api http://localhost:8080 -entity 1 -csv rows.csv [-template 3] [-wait]
//	compose wait   -api http://localhost:8080 -job 12
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"docforge/internal/bulk"
	"docforge/internal/client"
	"docforge/internal/layout"
	"docforge/internal/logging"
	"docforge/internal/render"
	"docforge/internal/storage"
)

const sourceKey = "template-sources/0/compose/source"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logger := logging.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(ctx, logger, os.Args[2:])
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "wait":
		err = runWait(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "compose %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: compose <render|submit|wait> [flags]")
}

func runRender(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	var (
		fieldsPath = fs.String("fields", "", "字段布局 JSON 文件（缺省使用内置标准版式）")
		valuesPath = fs.String("values", "", "字段取值 JSON 文件，键为字段 id 或标签")
		sourcePath = fs.String("source", "", "底图文件（图片或 PDF，可选）")
		width      = fs.Float64("width", 0, "无底图时的画布宽度")
		height     = fs.Float64("height", 0, "无底图时的画布高度")
		docType    = fs.String("type", "image", "无底图时的输出类型：image 或 pdf")
		outPath    = fs.String("out", "", "输出文件（缺省按类型生成 document.png / document.pdf）")
	)
	_ = fs.Parse(args)

	doc := layout.StandardDocument()
	if *fieldsPath != "" {
		data, err := os.ReadFile(*fieldsPath)
		if err != nil {
			return fmt.Errorf("read fields: %w", err)
		}
		doc.Fields = layout.Parse(string(data))
		doc.Type = layout.SourceType(*docType)
		if *width > 0 && *height > 0 {
			doc.SourceWidth, doc.SourceHeight = *width, *height
		}
	}

	values := map[string]any{}
	if *valuesPath != "" {
		data, err := os.ReadFile(*valuesPath)
		if err != nil {
			return fmt.Errorf("read values: %w", err)
		}
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("parse values: %w", err)
		}
	}

	blobs := storage.NewMemory("")
	if *sourcePath != "" {
		data, err := os.ReadFile(*sourcePath)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		info, err := render.InspectSource(data)
		if err != nil {
			return err
		}
		if _, err := blobs.Upload(ctx, sourceKey, data, storage.UploadOptions{ContentType: info.ContentType}); err != nil {
			return err
		}
		doc.Type = info.Type
		doc.SourceURL = sourceKey
		doc.SourceWidth, doc.SourceHeight = info.Width, info.Height
		doc.PageCount = info.PageCount
	}
	if doc.SourceWidth <= 0 || doc.SourceHeight <= 0 {
		return errors.New("canvas size unknown: pass -source or -width and -height")
	}

	for _, w := range layout.Advise(doc.Fields) {
		logger.Warn("layout warning", slog.String("code", w.Code), slog.String("message", w.Message))
	}

	renderer := render.NewRenderer(render.NewLoader(blobs, nil), logger)
	artifact, err := renderer.Render(ctx, doc, values)
	if err != nil {
		return err
	}

	out := *outPath
	if out == "" {
		out = "document." + artifact.Extension
	}
	if err := os.WriteFile(out, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Printf("wrote %s (%s, %d page(s), %d bytes)\n", out, artifact.ContentType, artifact.Pages, len(artifact.Data))
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		apiURL   = fs.String("api", "http://localhost:8080", "API 地址")
		entityID = fs.Uint("entity", 0, "实体 id（必填）")
		template = fs.Uint("template", 0, "模板 id，0 表示标准版式")
		csvPath  = fs.String("csv", "", "CSV 文件（必填）")
		notify   = fs.String("notify", "", "完成通知邮箱")
		wait     = fs.Bool("wait", false, "提交后等待任务结束")
		interval = fs.Duration("interval", bulk.DefaultPollInterval, "轮询间隔")
		timeout  = fs.Duration("timeout", bulk.DefaultPollTimeout, "等待上限")
	)
	_ = fs.Parse(args)
	if *entityID == 0 || *csvPath == "" {
		return errors.New("-entity and -csv are required")
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	c := client.New(*apiURL, nil)
	submitted, err := c.SubmitBulk(ctx, *entityID, *template, filepath.Base(*csvPath), f, *notify)
	if err != nil {
		return err
	}
	fmt.Printf("job %d accepted, %d row(s)\n", submitted.JobID, submitted.TotalRows)
	if !*wait {
		return nil
	}
	return waitFor(ctx, c, submitted.JobID, *interval, *timeout)
}

func runWait(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	var (
		apiURL   = fs.String("api", "http://localhost:8080", "API 地址")
		jobID    = fs.Uint("job", 0, "任务 id（必填）")
		interval = fs.Duration("interval", bulk.DefaultPollInterval, "轮询间隔")
		timeout  = fs.Duration("timeout", bulk.DefaultPollTimeout, "等待上限")
	)
	_ = fs.Parse(args)
	if *jobID == 0 {
		return errors.New("-job is required")
	}
	return waitFor(ctx, client.New(*apiURL, nil), *jobID, *interval, *timeout)
}

// waitFor polls until the job ends. Interrupting only stops watching.
func waitFor(ctx context.Context, c *client.Client, jobID uint, interval, timeout time.Duration) error {
	last := -1
	poller := &bulk.Poller{
		Source:   c,
		Interval: interval,
		Timeout:  timeout,
		OnUpdate: func(v bulk.StatusView) {
			if v.Progress != last {
				last = v.Progress
				fmt.Printf("job %d %s %d%% (%d/%d)\n", v.JobID, v.Status, v.Progress, v.ProcessedRows, v.TotalRows)
			}
		},
	}

	res, err := poller.Wait(ctx, jobID)
	switch {
	case errors.Is(err, bulk.ErrStillProcessing):
		fmt.Printf("job %d still processing after %s; check again later\n", jobID, timeout)
		return nil
	case res.State == bulk.PollCancelled:
		fmt.Printf("stopped watching job %d; it keeps running\n", jobID)
		return nil
	case err != nil:
		return err
	}

	status := res.Status
	fmt.Printf("job %d %s: %d succeeded, %d failed\n", jobID, status.Status, status.SuccessCount, status.FailureCount)
	if status.ResultURL != "" {
		fmt.Printf("result: %s\n", status.ResultURL)
	}
	if status.FailureCount > 0 {
		rowErrors, err := c.Errors(ctx, jobID)
		if err != nil {
			return err
		}
		for _, e := range rowErrors {
			fmt.Printf("  row %d: %s\n", e.RowIndex+1, e.Message)
		}
	}
	return nil
}
