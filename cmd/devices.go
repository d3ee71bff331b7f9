package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/duocapture/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras",
	Long: `Show the front and back cameras of the active profile, whether the backend can
reach them and the frame rate ranges they report. With the v4l2 backend every
video node found by v4l2-ctl is listed as well.`,
	Aliases: []string{"sources"},
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := device.New(cfg)
		if err != nil {
			return err
		}
		return listDevices(backend)
	},
}

// listDevices prints configured cameras followed by every node the backend can see
func listDevices(backend *device.Backend) error {
	fmt.Printf("Cameras (%s, %s backend)\n", runtime.GOOS, backend.Type)
	fmt.Printf("═══════════════════════════════════════\n")

	var available []string
	for _, b := range device.GetAvailableBackends() {
		available = append(available, string(b))
	}
	fmt.Printf("Backends: %s\n\n", strings.Join(available, ", "))

	for _, cam := range backend.Cameras(cfg) {
		status := "unavailable"
		if cam.Available {
			status = "available"
		}
		fmt.Printf("  %-5s  %-12s %-20s %s\n", cam.Position, cam.ID, cam.Path, status)
		if len(cam.FrameRates) > 0 {
			var rates []string
			for _, r := range cam.FrameRates {
				if r.MinFPS == r.MaxFPS {
					rates = append(rates, fmt.Sprintf("%g", r.MaxFPS))
				} else {
					rates = append(rates, fmt.Sprintf("%g-%g", r.MinFPS, r.MaxFPS))
				}
			}
			fmt.Printf("         fps: %s (max %g)\n", strings.Join(rates, ", "), cam.MaxFPS)
		}
	}

	if backend.Type != device.BackendTypeV4L2 {
		return nil
	}
	nodes, err := backend.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list video devices: %w", err)
	}

	fmt.Printf("\nVideo nodes (%d found):\n", len(nodes))
	for i, node := range nodes {
		fmt.Printf("  %d. %s (%s)\n", i+1, node.Path, node.Card)
	}
	fmt.Printf("\nConfigure nodes in definitions.cameras[].device, e.g. \"/dev/video0\"\n")
	return nil
}
