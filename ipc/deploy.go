/*
Package ipc implements the inter-rank messaging layer.

This file contains the SSH deployment of drones onto the machines named
in the machine list. The launcher machine always runs rank 0; each
remote machine gets the binary and the run config copied over and the
drone started in the background.
*/
package ipc

import (
	"fmt"
	"os"
	"time"

	"github.com/dashaylan/MatMind/configs"

	"golang.org/x/crypto/ssh"
)

const remoteDir = "/tmp/matmind"

// AssignRanks builds the rank list for a run: rank 0 is the launcher
// itself, the machines follow in machine file order.
func AssignRanks(myAddr string, machines []configs.MachineConfig) []configs.RankConfig {
	ranks := []configs.RankConfig{{Address: myAddr, PID: 0}}
	pid := uint8(1)
	for _, m := range machines {
		ranks = append(ranks, configs.RankConfig{Address: m.Address, PID: pid})
		pid++
	}
	return ranks
}

// StartNodes deploys the drone binary and run config to every machine
// in the list and starts the remote drones. Returns the number of
// drones successfully started. Password auth is weak but this runs on
// closed lab clusters, matching what the machine file format offers.
func StartNodes(machines []configs.MachineConfig, binPath, confPath string) (int, error) {
	bin, err := os.ReadFile(binPath)
	if err != nil {
		return 0, err
	}
	conf, err := os.ReadFile(confPath)
	if err != nil {
		return 0, err
	}

	type result struct {
		addr string
		err  error
	}
	resChan := make(chan result, len(machines))

	for _, m := range machines {
		go func(m configs.MachineConfig) {
			resChan <- result{addr: m.Address, err: deployOne(m, bin, conf)}
		}(m)
	}

	started := 0
	for range machines {
		select {
		case res := <-resChan:
			if res.err != nil {
				fmt.Println("[IPC] StartNodes: deployment to", res.addr, "failed:", res.err)
			} else {
				started++
				fmt.Println("[IPC] StartNodes: drone on", res.addr, "running")
			}
		case <-time.After(60 * time.Second):
			fmt.Println("[IPC] StartNodes: got", started, "drones, rest timed out")
			return started, fmt.Errorf("ipc: deployment timed out")
		}
	}
	return started, nil
}

func deployOne(m configs.MachineConfig, bin, conf []byte) error {
	sshConfig := &ssh.ClientConfig{
		User:            m.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(m.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addrport := m.Address + ":22"
	if m.Port != "" {
		addrport = m.Address + ":" + m.Port
	}
	client, err := ssh.Dial("tcp", addrport, sshConfig)
	if err != nil {
		return fmt.Errorf("ssh dial: %w", err)
	}
	defer client.Close()

	// kill any drone left over from a previous run and recreate the dir
	if err := remoteRun(client, nil,
		"pkill -f "+remoteDir+"/matmind; rm -rf "+remoteDir+" && mkdir "+remoteDir); err != nil {
		return fmt.Errorf("prepare dir: %w", err)
	}

	if err := remoteRun(client, bin, "cat > "+remoteDir+"/matmind && chmod a+x "+remoteDir+"/matmind"); err != nil {
		return fmt.Errorf("copy binary: %w", err)
	}
	if err := remoteRun(client, conf, "cat > "+remoteDir+"/runConf.json"); err != nil {
		return fmt.Errorf("copy config: %w", err)
	}

	// nohup so the drone survives the session teardown
	if err := remoteRun(client, nil,
		"cd "+remoteDir+" && nohup ./matmind -conf runConf.json > drone.log 2>&1 &"); err != nil {
		return fmt.Errorf("start drone: %w", err)
	}
	return nil
}

// remoteRun executes a command on the client, optionally feeding stdin
func remoteRun(client *ssh.Client, stdin []byte, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	if stdin != nil {
		w, err := session.StdinPipe()
		if err != nil {
			return err
		}
		if err := session.Start(command); err != nil {
			return err
		}
		if _, err := w.Write(stdin); err != nil {
			return err
		}
		w.Close()
		return session.Wait()
	}
	return session.Run(command)
}
