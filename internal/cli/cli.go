// Package cli builds the cobra command tree operators use to drive a
// Session: a root command plus ps/dump/scan/patch/serve/repl
// subcommands.
//
// Grounded on gokvm's flag/flag.go subcommand dispatch (boot/probe),
// generalized from stdlib flag.FlagSet's flat switch to cobra's
// command tree -- the same "one verb, its own flag set" shape, with
// cobra supplying the tree structure and help text that flag.FlagSet
// doesn't. The REPL does not go through cobra: dispatchReplLine splits
// each line and switches on its verb.
package cli

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-vmi/winvmi/internal/httpapi"
	"github.com/go-vmi/winvmi/internal/patcher"
	"github.com/go-vmi/winvmi/internal/winproc"
	"github.com/go-vmi/winvmi/session"
)

// acquireOpts carries the --kvm-holder/--vmread-device/--lsof flags
// shared by every subcommand that needs a live Session.
type acquireOpts struct {
	kvmHolder    string
	vmreadDevice string
	lsofBinary   string
}

func (o acquireOpts) connect() (*session.Session, error) {
	return session.New(session.Options{
		KVMHolderPath: o.kvmHolder,
		VMReadDevice:  o.vmreadDevice,
		LsofBinary:    o.lsofBinary,
	})
}

func addAcquireFlags(cmd *cobra.Command, o *acquireOpts) {
	cmd.Flags().StringVar(&o.kvmHolder, "kvm-holder", "/dev/kvm", "path of the device the target QEMU process holds open")
	cmd.Flags().StringVar(&o.vmreadDevice, "vmread-device", "/proc/vmread", "path of the vmread character device")
	cmd.Flags().StringVar(&o.lsofBinary, "lsof", "lsof", "lsof binary used to find the QEMU holder process")
}

// NewRootCommand builds the full winvmi command tree.
func NewRootCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "winvmi",
		Short: "Windows guest introspection over a KVM hypervisor",
	}

	root.AddCommand(
		newPSCommand(stdout),
		newDumpCommand(stdout),
		newScanCommand(stdout),
		newPatchCommand(stdout),
		newServeCommand(stdout),
		newReplCommand(stdin, stdout),
	)

	return root
}

func newPSCommand(stdout io.Writer) *cobra.Command {
	var opts acquireOpts

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "list guest processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			return printProcesses(stdout, sess)
		},
	}

	addAcquireFlags(cmd, &opts)

	return cmd
}

func newDumpCommand(stdout io.Writer) *cobra.Command {
	var opts acquireOpts

	cmd := &cobra.Command{
		Use:   "dump <dtb> <va> <len>",
		Short: "hex-dump guest virtual memory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			return runDump(stdout, sess, args)
		},
	}

	addAcquireFlags(cmd, &opts)

	return cmd
}

func runDump(stdout io.Writer, sess *session.Session, args []string) error {
	dtb, va, length, err := parseDumpArgs(args)
	if err != nil {
		return err
	}

	buf := make([]byte, length)
	if !sess.ReadVirtual(buf, dtb, va) {
		return fmt.Errorf("winvmi: read of %d bytes at %#x failed", length, va)
	}

	fmt.Fprintln(stdout, hex.EncodeToString(buf))

	return nil
}

func parseDumpArgs(args []string) (dtb, va uint64, length int, err error) {
	dtb, ok := session.ParseU64(args[0], false)
	if !ok {
		return 0, 0, 0, fmt.Errorf("winvmi: cannot parse dtb %q", args[0])
	}

	va, ok = session.ParseU64(args[1], false)
	if !ok {
		return 0, 0, 0, fmt.Errorf("winvmi: cannot parse va %q", args[1])
	}

	length, err = strconv.Atoi(args[2])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("winvmi: cannot parse len %q: %w", args[2], err)
	}

	return dtb, va, length, nil
}

func newScanCommand(stdout io.Writer) *cobra.Command {
	var opts acquireOpts

	var (
		pid    int
		base   string
		length int
	)

	cmd := &cobra.Command{
		Use:   "scan <pattern>",
		Short: "search a process's address space for a masked byte pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			return runScan(stdout, sess, uint64(pid), args[0], base, length)
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "target process id")
	cmd.Flags().StringVar(&base, "base", "0x0", "start address of the scan window")
	cmd.Flags().IntVar(&length, "len", 0x1000, "length in bytes of the scan window")

	addAcquireFlags(cmd, &opts)

	return cmd
}

func runScan(stdout io.Writer, sess *session.Session, pid uint64, pattern, baseStr string, length int) error {
	proc, err := findProcess(sess, pid)
	if err != nil {
		return err
	}

	base, ok := session.ParseU64(baseStr, false)
	if !ok {
		return fmt.Errorf("winvmi: cannot parse base %q", baseStr)
	}

	matches, err := sess.ScanVirtual(proc, pattern, base, length)
	if err != nil {
		return err
	}

	for _, m := range matches {
		fmt.Fprintf(stdout, "%#016x\n", m)
	}

	return nil
}

func newPatchCommand(stdout io.Writer) *cobra.Command {
	var opts acquireOpts

	var (
		pid    int
		typ    int
		signer int
	)

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "set a process's PS_PROTECTION byte",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			proc, err := findProcess(sess, uint64(pid))
			if err != nil {
				return err
			}

			if err := sess.SetProtection(proc, patcher.ProtectionType(typ), patcher.ProtectionSigner(signer)); err != nil {
				return err
			}

			fmt.Fprintf(stdout, "pid %d protection set to type=%d signer=%d\n", pid, typ, signer)

			return nil
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "target process id")
	cmd.Flags().IntVar(&typ, "type", 0, "PsProtectedType value")
	cmd.Flags().IntVar(&signer, "signer", 0, "PsProtectedSigner value")

	addAcquireFlags(cmd, &opts)

	return cmd
}

func newServeCommand(stdout io.Writer) *cobra.Command {
	var opts acquireOpts
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the DMA read-only HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "winvmi: listening on %s\n", addr)

			return http.ListenAndServe(addr, httpapi.NewMux(sess))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	addAcquireFlags(cmd, &opts)

	return cmd
}

func newReplCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var opts acquireOpts

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "interactive introspection shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.connect()
			if err != nil {
				return err
			}

			return runRepl(stdin, stdout, sess)
		},
	}

	addAcquireFlags(cmd, &opts)

	return cmd
}

// runRepl reads one command per line and dispatches it, mirroring
// gokvm's subcommand switch but re-parsed on every line instead of
// once at process start.
func runRepl(stdin io.Reader, stdout io.Writer, sess *session.Session) error {
	scanner := bufio.NewScanner(stdin)

	for {
		fmt.Fprint(stdout, "winvmi> ")

		if !scanner.Scan() {
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		verb, rest := fields[0], fields[1:]

		if verb == "quit" || verb == "exit" {
			return nil
		}

		if err := dispatchReplLine(stdout, sess, verb, rest); err != nil {
			fmt.Fprintf(stdout, "error: %v\n", err)
		}
	}
}

func dispatchReplLine(stdout io.Writer, sess *session.Session, verb string, args []string) error {
	switch verb {
	case "ps":
		return printProcesses(stdout, sess)

	case "lsmod":
		return printKernelModules(stdout, sess)

	case "threads":
		return printThreads(stdout, sess, args)

	case "peek":
		return runDump(stdout, sess, args)

	case "poke":
		return runPoke(stdout, sess, args)

	case "scan":
		if len(args) < 1 {
			return fmt.Errorf("usage: scan <pattern>")
		}

		return runScan(stdout, sess, 0, args[0], "0x0", 0x1000)

	case "protect":
		return runProtect(stdout, sess, args)

	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

func printProcesses(stdout io.Writer, sess *session.Session) error {
	procs, err := sess.Processes(false)
	if err != nil {
		return err
	}

	for _, pid := range sortedPIDs(procs) {
		p := procs[pid]
		fmt.Fprintf(stdout, "%6d  %#016x  %s\n", p.PID, p.DirBase, p.Name)
	}

	return nil
}

func printKernelModules(stdout io.Writer, sess *session.Session) error {
	mods, err := sess.KernelModules()
	if err != nil {
		return err
	}

	for _, name := range sortedModuleNames(mods) {
		m := mods[name]
		fmt.Fprintf(stdout, "%#016x  %8d  %s\n", m.BaseAddress, m.SizeOfImage, m.Name)
	}

	return nil
}

func printThreads(stdout io.Writer, sess *session.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: threads <pid>")
	}

	pid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("winvmi: cannot parse pid %q: %w", args[0], err)
	}

	proc, err := findProcess(sess, pid)
	if err != nil {
		return err
	}

	threads, err := sess.Threads(proc, 4096)
	if err != nil {
		return err
	}

	for _, th := range threads {
		fmt.Fprintf(stdout, "%6d  %#016x\n", th.ThreadID, th.KThreadVA)
	}

	return nil
}

func runPoke(stdout io.Writer, sess *session.Session, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: poke <dtb> <va> <hex>")
	}

	dtb, ok := session.ParseU64(args[0], false)
	if !ok {
		return fmt.Errorf("winvmi: cannot parse dtb %q", args[0])
	}

	va, ok := session.ParseU64(args[1], false)
	if !ok {
		return fmt.Errorf("winvmi: cannot parse va %q", args[1])
	}

	buf, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("winvmi: cannot parse hex payload: %w", err)
	}

	if !sess.WriteVirtual(buf, dtb, va) {
		return fmt.Errorf("winvmi: write of %d bytes at %#x failed", len(buf), va)
	}

	fmt.Fprintf(stdout, "wrote %d bytes\n", len(buf))

	return nil
}

func runProtect(stdout io.Writer, sess *session.Session, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: protect <pid> <type> <signer>")
	}

	pid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("winvmi: cannot parse pid %q: %w", args[0], err)
	}

	typ, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("winvmi: cannot parse type %q: %w", args[1], err)
	}

	signer, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("winvmi: cannot parse signer %q: %w", args[2], err)
	}

	proc, err := findProcess(sess, pid)
	if err != nil {
		return err
	}

	if err := sess.SetProtection(proc, patcher.ProtectionType(typ), patcher.ProtectionSigner(signer)); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "pid %d protection set to type=%d signer=%d\n", pid, typ, signer)

	return nil
}

func findProcess(sess *session.Session, pid uint64) (winproc.Process, error) {
	procs, err := sess.Processes(false)
	if err != nil {
		return winproc.Process{}, err
	}

	p, ok := procs[pid]
	if !ok {
		return winproc.Process{}, fmt.Errorf("winvmi: no such pid %d", pid)
	}

	return p, nil
}

func sortedPIDs(procs map[uint64]winproc.Process) []uint64 {
	pids := make([]uint64, 0, len(procs))
	for pid := range procs {
		pids = append(pids, pid)
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	return pids
}

func sortedModuleNames[V any](mods map[string]V) []string {
	names := make([]string, 0, len(mods))
	for name := range mods {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
