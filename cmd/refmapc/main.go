// refmapc - 引用映射打包工具
//
// 用法:
//   refmapc build [options] method.toml   # 构造并打包引用映射
//   refmapc load blob.bin                 # 校验并打印已打包的 blob
//   refmapc stubs method.toml             # 为每个 Map 生成快速路径桩
//   refmapc scan method.toml              # 模拟一次根扫描和派生指针修正

package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tangzhangming/refmap/internal/config"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "refmapc"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("verbose", false, "详细输出（debug 日志）")
	configFlag  = flag.String("config", "", "配置文件 (默认查找 "+config.ConfigFileName+")")
	outputFlag  = flag.String("o", "", "输出 blob 文件")
	formatFlag  = flag.String("format", "text", "输出格式: text, json")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("错误:"), err)
		os.Exit(1)
	}
	if *verboseFlag {
		cfg.Log.Level = "debug"
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("错误:"), err)
		os.Exit(1)
	}
	defer log.Sync()

	cmd := args[0]
	cmdArgs := args[1:]
	env := &env{cfg: cfg, log: log, out: os.Stdout}

	switch cmd {
	case "build":
		err = env.build(cmdArgs)
	case "load":
		err = env.load(cmdArgs)
	case "stubs":
		err = env.stubs(cmdArgs)
	case "scan":
		err = env.scan(cmdArgs)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Debug("command failed", zap.String("command", cmd), zap.Error(err))
		fmt.Fprintf(os.Stderr, "%s %v\n", red("错误:"), err)
		os.Exit(1)
	}
}

// loadConfig 读取 -config 指定的文件；未指定时尝试当前目录的默认文件
func loadConfig() (*config.Config, error) {
	path := *configFlag
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err != nil {
			return config.Default(), nil
		}
		path = config.ConfigFileName
	}
	return config.LoadConfig(path)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 引用映射打包工具 v%s

用法:
  %s [选项] <命令> [参数]

命令:
  build     构造并打包方法的引用映射
  load      校验并打印已打包的 blob
  stubs     为每个 Map 生成快速路径桩
  scan      模拟根扫描和派生指针修正
  help      显示帮助信息

选项:
`, Name, Version, Name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
示例:
  # 打包并保存 blob
  %s -o demo.bin build demo.toml

  # 以 JSON 输出打包结果
  %s -format json build demo.toml

  # 重新加载 blob
  %s load demo.bin
`, Name, Name, Name)
}
