package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"resume-feedback/internal/analysis"
	"resume-feedback/internal/config"
	"resume-feedback/internal/logger"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/types"
)

const usage = `用法: resumectl <command> [flags] <file.pdf>

命令:
  validate     检查文件类型和大小
  extract      提取PDF文本
  analyze      提取文本并调用AI生成反馈
  init-config  生成示例配置文件
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "validate":
		err = runValidate(args)
	case "extract":
		err = runExtract(args)
	case "analyze":
		err = runAnalyze(args)
	case "init-config":
		err = runInitConfig(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "错误: 未知命令 '%s'\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags 每个子命令共用的参数
type commonFlags struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.StringVarP(&common.configPath, "config", "c", "", "配置文件路径")
	fs.BoolVarP(&common.verbose, "verbose", "v", false, "输出调试日志")
	return fs
}

// setup 加载配置并初始化日志，命令行默认只输出警告以上
func setup(common *commonFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(common.configPath)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if common.verbose {
		level = "debug"
	}
	if _, err := logger.Init(logger.Config{Level: level, Format: "pretty", TimeFormat: "15:04:05"}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readPDF(fs *pflag.FlagSet) (string, []byte, error) {
	if fs.NArg() != 1 {
		return "", nil, fmt.Errorf("需要且只能提供一个PDF文件路径")
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return "", nil, fmt.Errorf("无法获取文件的绝对路径: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return path, data, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(args []string) error {
	var common commonFlags
	fs := newFlagSet("validate", &common)
	_ = fs.Parse(args)

	cfg, err := setup(&common)
	if err != nil {
		return err
	}
	path, data, err := readPDF(fs)
	if err != nil {
		return err
	}
	res := parser.ValidateDocument(filepath.Base(path), "", data, cfg.MaxFileSizeBytes())
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Valid {
		os.Exit(1)
	}
	return nil
}

func runExtract(args []string) error {
	var common commonFlags
	fs := newFlagSet("extract", &common)
	maxLen := fs.Int("maxlen", -1, "显示的文本最大长度，-1 显示全部")
	extractor := fs.String("extractor", "", "覆盖 document.extractor (eino 或 pages)")
	_ = fs.Parse(args)

	cfg, err := setup(&common)
	if err != nil {
		return err
	}
	if *extractor != "" {
		cfg.Document.Extractor = *extractor
	}
	path, data, err := readPDF(fs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg.Document.PreviewEnabled = false
	proc, err := parser.NewProcessorFromConfig(ctx, cfg, logger.Component("parser"))
	if err != nil {
		return fmt.Errorf("创建PDF处理器失败: %w", err)
	}

	start := time.Now()
	text, err := proc.ExtractText(ctx, data, filepath.Base(path))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "提取完成，耗时 %v，共 %d 字符\n", time.Since(start), len(text))

	if *maxLen >= 0 && len(text) > *maxLen {
		text = text[:*maxLen] + "..."
	}
	fmt.Println(text)
	return nil
}

func runAnalyze(args []string) error {
	var common commonFlags
	fs := newFlagSet("analyze", &common)
	company := fs.String("company", "", "公司名称")
	title := fs.String("title", "", "职位名称")
	jdFile := fs.String("jd-file", "", "职位描述文件")
	mode := fs.String("mode", "", "分析模式: recruiter-facing 或 ats-plaintext")
	_ = fs.Parse(args)

	cfg, err := setup(&common)
	if err != nil {
		return err
	}
	analysisMode, err := types.ParseAnalysisMode(*mode, types.AnalysisMode(cfg.AI.DefaultMode))
	if err != nil {
		return err
	}
	path, data, err := readPDF(fs)
	if err != nil {
		return err
	}
	var jd string
	if *jdFile != "" {
		raw, err := os.ReadFile(*jdFile)
		if err != nil {
			return fmt.Errorf("读取职位描述失败: %w", err)
		}
		jd = string(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg.Document.PreviewEnabled = false
	proc, err := parser.NewProcessorFromConfig(ctx, cfg, logger.Component("parser"))
	if err != nil {
		return fmt.Errorf("创建PDF处理器失败: %w", err)
	}
	if res := proc.ValidateDocument(filepath.Base(path), "", data); !res.Valid {
		return fmt.Errorf("文件无效: %v", res.Reasons)
	}
	text, err := proc.ExtractText(ctx, data, filepath.Base(path))
	if err != nil {
		return err
	}

	client, err := analysis.NewClientFromConfig(&cfg.AI, logger.Component("analysis"))
	if err != nil {
		return err
	}
	feedback, err := client.Analyze(ctx, analysis.Request{
		ResumeText: text,
		Job: types.JobContext{
			CompanyName:    *company,
			JobTitle:       *title,
			JobDescription: jd,
		},
		Mode: analysisMode,
	})
	if err != nil {
		return err
	}
	return printJSON(feedback)
}

func runInitConfig(args []string) error {
	fs := pflag.NewFlagSet("init-config", pflag.ExitOnError)
	out := fs.StringP("output", "o", "config.yaml", "输出路径")
	_ = fs.Parse(args)

	if err := config.CreateSampleConfig(*out); err != nil {
		return err
	}
	fmt.Printf("示例配置已写入 %s\n", *out)
	return nil
}
