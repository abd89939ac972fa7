/*
The matmind binary is both the launcher and the drone. On the machine
holding a config with IsLauncher set it deploys itself to every machine
in the machine list over SSH, rewrites the config for the drones and
then participates as rank 0. On the deployed machines it reads the
copied config, figures out its own rank from its outbound address and
joins the run.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dashaylan/MatMind/configs"
	"github.com/dashaylan/MatMind/ipc"
	"github.com/dashaylan/MatMind/matmind"
)

func main() {
	confPath := flag.String("conf", "runConf.json", "path to the run configuration")
	debug := flag.Int("debug", 1, "debug level 0-4")
	flag.Parse()

	cfg, err := configs.ReadRunConfig(*confPath)
	if err != nil {
		fmt.Println("Can't read config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	myAddr, err := ipc.GetOutboundIP()
	if err != nil {
		fmt.Println("Can't determine own address:", err)
		os.Exit(1)
	}

	if cfg.IsLauncher {
		// Assign ranks, hand the drones their config and start them
		cfg.Ranks = ipc.AssignRanks(myAddr, cfg.Machines)
		droneCfg := cfg
		droneCfg.IsLauncher = false
		droneCfg.Machines = nil
		if err := configs.WriteRunConfig("droneConf.json", droneCfg); err != nil {
			fmt.Println("Can't write drone config:", err)
			os.Exit(1)
		}

		bin, err := os.Executable()
		if err != nil {
			fmt.Println("Can't locate own binary:", err)
			os.Exit(1)
		}
		started, err := ipc.StartNodes(cfg.Machines, bin, "droneConf.json")
		if started < len(cfg.Machines) {
			fmt.Println("Only", started, "of", len(cfg.Machines), "drones started:", err)
			os.Exit(1)
		}
	}

	pid, ok := cfg.PIDForAddress(myAddr)
	if !ok {
		fmt.Println("Address", myAddr, "not in rank list")
		os.Exit(1)
	}

	mm := matmind.NewMatMind(pid, uint8(cfg.NrProc), cfg.Stride, cfg.Scheme, cfg.Workers)
	mm.SetDebug(*debug)
	go matmind.DumpLog()

	if err := mm.Startup(cfg.Ranks, myAddr, cfg.Port, cfg.GoVec); err != nil {
		fmt.Println("Startup failed:", err)
		os.Exit(1)
	}
	defer mm.Exit()

	out, err := mm.Run(&cfg)
	if err != nil {
		fmt.Println("Rank", pid, "failed:", err)
		os.Exit(1)
	}

	if out != nil {
		fmt.Printf("Rank %d assembled the %dx%d product\n", pid, out.Rows, out.Cols)
		if cfg.Output != "" {
			fmt.Println("Written to", cfg.Output)
		}
	}
}
