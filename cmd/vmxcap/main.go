// vmxcap prints the VMX capability state of the running machine, one section
// per CPU, as YAML. It reads the capability MSRs through the Linux msr driver
// and needs no hypervisor support beyond that; typically it must run as root.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/karstos/karst"
)

type basicReport struct {
	RevisionID   uint32 `yaml:"revision_id"`
	RegionSize   uint16 `yaml:"region_size"`
	WriteBack    bool   `yaml:"write_back"`
	IOExitInfo   bool   `yaml:"io_exit_info"`
	TrueControls bool   `yaml:"true_controls"`
}

type miscReport struct {
	WaitForSIPI  bool   `yaml:"wait_for_sipi"`
	MSRListLimit uint32 `yaml:"msr_list_limit"`
}

type eptReport struct {
	PageWalk4   bool `yaml:"page_walk_4"`
	WriteBack   bool `yaml:"write_back"`
	PDE2MBPage  bool `yaml:"pde_2mb_page"`
	PDPE1GBPage bool `yaml:"pdpe_1gb_page"`
	EptFlags    bool `yaml:"accessed_dirty_flags"`
	ExitInfo    bool `yaml:"exit_info"`
	Invept      bool `yaml:"invept"`
}

type cpuReport struct {
	CPU        uint `yaml:"cpu"`
	VMX        bool `yaml:"vmx"`
	Enableable bool `yaml:"enableable"`

	FeatureControlLocked bool `yaml:"feature_control_locked"`
	VmxonAllowed         bool `yaml:"vmxon_allowed"`

	Basic *basicReport `yaml:"basic,omitempty"`
	Misc  *miscReport  `yaml:"misc,omitempty"`
	Ept   *eptReport   `yaml:"ept,omitempty"`
}

type report struct {
	CPUs []cpuReport `yaml:"cpus"`
}

func buildReport(caps []karst.CPUCapabilities, summary bool) report {
	var rep report
	for _, c := range caps {
		r := cpuReport{
			CPU:                  c.CPU,
			VMX:                  c.VMXSupported,
			Enableable:           c.Enableable(),
			FeatureControlLocked: c.FeatureControlLocked,
			VmxonAllowed:         c.VmxonAllowed,
		}

		if c.VMXSupported && !summary {
			r.Basic = &basicReport{
				RevisionID:   c.Basic.RevisionID,
				RegionSize:   c.Basic.RegionSize,
				WriteBack:    c.Basic.WriteBack,
				IOExitInfo:   c.Basic.IOExitInfo,
				TrueControls: c.Basic.TrueControls,
			}
			r.Misc = &miscReport{
				WaitForSIPI:  c.Misc.WaitForSIPI,
				MSRListLimit: c.Misc.MSRListLimit,
			}
			r.Ept = &eptReport{
				PageWalk4:   c.Ept.PageWalk4,
				WriteBack:   c.Ept.WriteBack,
				PDE2MBPage:  c.Ept.PDE2MBPage,
				PDPE1GBPage: c.Ept.PDPE1GBPage,
				EptFlags:    c.Ept.EptFlags,
				ExitInfo:    c.Ept.ExitInfo,
				Invept:      c.Ept.Invept,
			}
		}

		rep.CPUs = append(rep.CPUs, r)
	}
	return rep
}

func run() error {
	summary := flag.Bool("summary", false, "omit the per-register detail sections")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmxcap - report VMX capabilities of this machine

USAGE:
  vmxcap [flags]

FLAGS:
  -summary   Only report per-CPU support and enableability, no MSR detail

Reads the VMX capability MSRs of every CPU through /dev/cpu/N/msr
(load the msr kernel module; usually requires root).
`)
	}

	flag.Parse()

	caps, err := karst.Probe()
	if err != nil {
		if errors.Is(err, karst.ErrUnsupportedHost) {
			return fmt.Errorf("capability probing unsupported on this host: %w", err)
		}
		return err
	}

	out, err := yaml.Marshal(buildReport(caps, *summary))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = os.Stdout.Write(out)
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmxcap: %v\n", err)
		os.Exit(1)
	}
}
