package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/isiscomputinggroup/nucinstdig"
	"github.com/isiscomputinggroup/nucinstdig/internal/activitydb"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// minReceiveBuffer is the smallest net.core.rmem_max that keeps up with a
// full-rate trace stream.
const minReceiveBuffer = 8 * 1024 * 1024

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("PortBase", 5600)
	viper.SetDefault("Database.Enabled", false)
	viper.SetDefault("Database.Addr", []string{"localhost:9000"})

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotDir := filepath.Join(HOME, ".nucinstdig")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/nucinstdig"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkReceiveBuffer warns when the kernel would cap socket receive buffers
// below what the streaming endpoints need.
func checkReceiveBuffer() {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		nucinstdig.ProblemLogger.Printf("could not read net.core.rmem_max: %v", err)
		return
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		nucinstdig.ProblemLogger.Printf("could not parse net.core.rmem_max=%q: %v", val, err)
		return
	}
	if rmem < minReceiveBuffer {
		msg := fmt.Sprintf("net.core.rmem_max is %d bytes; streams may drop frames below %d", rmem, minReceiveBuffer)
		fmt.Println("Warning:", msg)
		nucinstdig.ProblemLogger.Print(msg)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	nucinstdig.Build.Date = buildDate
	nucinstdig.Build.Githash = githash
	nucinstdig.Build.Gitdate = gitdate
	nucinstdig.Build.Summary = fmt.Sprintf("nucinstdig version %s (git commit %s of %s)", nucinstdig.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		nucinstdig.Build.Host = host
	} else {
		nucinstdig.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	host := flag.String("host", "", "digitizer host name (overrides the config file)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is nucinstdig version %s\n", nucinstdig.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is nucinstdig version %s (git commit %s)\n", nucinstdig.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".nucinstdig", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	nucinstdig.ProblemLogger = startLogger(problemname)
	nucinstdig.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	nucinstdig.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	nucinstdig.SetPortBase(viper.GetInt("PortBase"))
	checkReceiveBuffer()

	cfg := nucinstdig.DefaultDigitizerConfig()
	if err := viper.UnmarshalKey("digitizer", &cfg); err != nil {
		log.Fatalf("bad digitizer configuration in %s: %v", viper.ConfigFileUsed(), err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if viper.GetBool("Verbose") {
		cfg.Verbose = true
	}
	fmt.Printf("Using config file %s\n", viper.ConfigFileUsed())

	abort := make(chan struct{})
	clientUpdates := make(chan nucinstdig.ClientUpdate, 100)
	go func() {
		if err := nucinstdig.RunClientUpdater(clientUpdates, nucinstdig.Ports.Status, abort); err != nil {
			log.Fatalf("client updater on port %d: %v", nucinstdig.Ports.Status, err)
		}
	}()

	dig, err := nucinstdig.NewDigitizer(cfg, clientUpdates)
	if err != nil {
		log.Fatal(err)
	}
	activity := activitydb.Dummy()
	if viper.GetBool("Database.Enabled") {
		opts := activitydb.Options{Addr: viper.GetStringSlice("Database.Addr")}
		activity = activitydb.Start(opts, activitydb.NewActivity(nucinstdig.Build.Version, githash), cfg.Host, abort)
		if !activity.IsConnected() {
			nucinstdig.ProblemLogger.Printf("activity database unavailable: %v", activity.Err())
		}
	}
	dig.SetActivityLog(activity)
	dig.Start()

	if err := nucinstdig.RunRPCServer(dig, clientUpdates, nucinstdig.Ports.RPC, false); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Serving JSON-RPC on port %d and status on port %d\n", nucinstdig.Ports.RPC, nucinstdig.Ports.Status)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nShutting down")
	dig.Close()
	close(abort)
	activity.Wait()
}
