package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/esp32-flasher/internal/firmware"
	"github.com/bigbag/esp32-flasher/internal/orchestrator"
	"github.com/bigbag/esp32-flasher/internal/ports"
	"github.com/bigbag/esp32-flasher/internal/protocol"
	"github.com/bigbag/esp32-flasher/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag string
	baudFlag int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash firmware to ESP32-C3 devices over the ROM bootloader protocol",
	}

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin | firmware-dir>",
		Short: "Flash a firmware bundle to a device",
		Long: `Flash a firmware bundle to an ESP32-C3 device.

Pass a single .bin file (the target offset is inferred from its name: a
"merged"/"factory"/"combined"/"full" image goes to 0x0000, anything else
to 0x10000) or a directory containing the canonical bootloader.bin,
partitions.bin, and firmware.bin files.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate to switch to after sync")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadBundle(path string) (*firmware.Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("firmware path %s: %w", path, err)
	}
	if info.IsDir() {
		return firmware.LoadDirectory(path)
	}
	return firmware.LoadSingleFile(path)
}

func resolvePort(explicit string) (ports.Descriptor, error) {
	if explicit != "" {
		return ports.Descriptor{Path: explicit, DisplayName: explicit}, nil
	}

	list, err := ports.List()
	if err != nil {
		return ports.Descriptor{}, fmt.Errorf("enumerate serial ports: %w", err)
	}
	if len(list) == 0 {
		return ports.Descriptor{}, fmt.Errorf("no serial ports found; use --port")
	}
	return list[0], nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	bundle, err := loadBundle(args[0])
	if err != nil {
		return err
	}
	if !bundle.IsValid() {
		return fmt.Errorf("invalid firmware: %s", filepath.Base(args[0]))
	}
	fmt.Printf("Firmware: %s\n", bundle.Description())

	desc, err := resolvePort(portFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Port: %s @ %d baud\n", desc.DisplayName, baudFlag)

	f := orchestrator.New(transport.Open)

	var bar *progressbar.ProgressBar
	var runErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		f.Flash(desc, bundle, baudFlag, func(s orchestrator.State) {
			switch s.Phase {
			case orchestrator.Connecting:
				fmt.Println("Connecting...")
			case orchestrator.Syncing:
				fmt.Println("Syncing with bootloader...")
			case orchestrator.ChangingBaudRate:
				fmt.Printf("Changing baud rate to %d...\n", baudFlag)
			case orchestrator.Erasing:
				fmt.Println("Erasing flash region...")
			case orchestrator.Flashing:
				if bar == nil {
					bar = progressbar.NewOptions(100,
						progressbar.OptionSetDescription("Flashing"),
						progressbar.OptionSetWidth(40),
						progressbar.OptionShowCount(),
						progressbar.OptionThrottle(100),
						progressbar.OptionClearOnFinish(),
					)
				}
				bar.Set(int(s.Progress * 100))
			case orchestrator.Verifying:
				fmt.Println("Verifying...")
			case orchestrator.Restarting:
				fmt.Println("Restarting device...")
			case orchestrator.Complete:
				if bar != nil {
					bar.Finish()
				}
				fmt.Println("Flash complete!")
			case orchestrator.Error:
				runErr = s.Err
			}
		})
	}()
	<-done

	return runErr
}

func runList(cmd *cobra.Command, args []string) error {
	list, err := ports.List()
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range list {
		marker := ""
		if p.IsUSBJTAGSerial() {
			marker = " (USB-JTAG-Serial)"
		}
		fmt.Printf("  %s%s\n", p.DisplayName, marker)
	}

	return nil
}
