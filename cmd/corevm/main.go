// Command corevm is a small operator CLI over the execution-substrate
// packages: it compiles a raw bytecode snippet to IR, assembles it to
// machine code, or interprets it directly, without requiring a full
// classfile/verifier front end.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"corevm.dev/jit/internal/compiler"
	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/resolver"
)

var (
	maxLocals int
	maxStack  int
	localsArg string
)

// standaloneResolver lets the CLI compile a bytecode snippet without a
// real classfile loader: every class/field/method lookup resolves to a
// plausible stand-in, the way an integration test's fakeResolver does.
type standaloneResolver struct {
	maxLocals, maxStack int
	code                []byte
}

func (r standaloneResolver) ResolveClass(name string) (resolver.ClassView, error) {
	return standaloneClass{name: name}, nil
}
func (r standaloneResolver) IsLoaded(name string) bool       { return true }
func (r standaloneResolver) IsInitialized(name string) bool  { return true }
func (r standaloneResolver) InitializeClass(name string) error { return nil }

func (r standaloneResolver) ResolveMethod(class, name, descriptor string) (*resolver.MethodView, error) {
	return &resolver.MethodView{Name: name, DeclClass: class, MethodNumber: 0}, nil
}

func (r standaloneResolver) ResolveField(class, name string) (*resolver.FieldView, error) {
	return &resolver.FieldView{Name: name, DeclClass: class, Type: resolver.JInt, Offset: 16}, nil
}

// VerifierFrames fabricates a conservative frame per PC: the operand
// stack depth grows by one at every byte offset up to maxStack. Good
// enough for the straight-line snippets this CLI is meant to exercise;
// a real verifier's frames are required for anything with merge points.
func (r standaloneResolver) VerifierFrames(m *resolver.MethodView) ([]resolver.VerifierFrame, error) {
	frames := make([]resolver.VerifierFrame, 0, len(r.code))
	depth := 0
	for pc := range r.code {
		frames = append(frames, resolver.VerifierFrame{PC: pc, Stack: make([]resolver.JType, depth%(r.maxStack+1))})
		depth++
	}
	return frames, nil
}

type standaloneClass struct{ name string }

func (c standaloneClass) Name() string                  { return c.name }
func (c standaloneClass) Loader() string                 { return "" }
func (c standaloneClass) IsInterface() bool              { return false }
func (c standaloneClass) SuperClassName() (string, bool) { return "java/lang/Object", true }
func (c standaloneClass) InterfaceNames() []string       { return nil }
func (c standaloneClass) Methods() []*resolver.MethodView { return nil }
func (c standaloneClass) Fields() []*resolver.FieldView    { return nil }
func (c standaloneClass) StaticsBase() uintptr              { return 0 }

type standalonePool struct{}

func (standalonePool) ClassName(idx uint16) string              { return "java/lang/Object" }
func (standalonePool) FieldRef(idx uint16) (string, string)      { return "pkg/Demo", "field" }
func (standalonePool) MethodRef(idx uint16) (string, string, string) {
	return "pkg/Demo", "callee", "()I"
}

func compileSnippet(codeHex string) (*ir.Func, error) {
	code, err := hex.DecodeString(strings.TrimSpace(codeHex))
	if err != nil {
		return nil, fmt.Errorf("decode bytecode hex: %w", err)
	}
	r := standaloneResolver{maxLocals: maxLocals, maxStack: maxStack, code: code}
	m := &resolver.MethodView{
		Name:      "main",
		DeclClass: "pkg/Demo",
		MaxLocals: maxLocals,
		MaxStack:  maxStack,
		Code:      code,
	}
	c := compiler.New(r, standalonePool{})
	compiled, err := c.Compile(standaloneClass{name: "pkg/Demo"}, m)
	if err != nil {
		return nil, err
	}
	return compiled.Func, nil
}

func parseLocals() []int64 {
	if localsArg == "" {
		return make([]int64, maxLocals)
	}
	parts := strings.Split(localsArg, ",")
	locals := make([]int64, maxLocals)
	for i, p := range parts {
		if i >= len(locals) {
			break
		}
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		locals[i] = v
	}
	return locals
}

var rootCmd = &cobra.Command{
	Use:   "corevm",
	Short: "Execution-substrate operator tool",
	Long:  "Compiles and runs raw bytecode snippets against the region/frame/IR/compiler substrate",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("corevm 0.1.0")
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <bytecode-hex>",
	Short: "Compile a bytecode snippet to IR and assemble it, printing the IR and resulting code size",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := compileSnippet(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "disasm:", err)
			os.Exit(1)
		}
		for _, in := range f.Code {
			fmt.Printf("%+v\n", in)
		}
		asmd, err := ir.Assemble(f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "assemble:", err)
			os.Exit(1)
		}
		fmt.Printf("assembled %d bytes, %d call fixups\n", len(asmd.Code), len(asmd.CallFixups))
	},
}

var interpCmd = &cobra.Command{
	Use:   "interp <bytecode-hex>",
	Short: "Compile a bytecode snippet to IR and interpret it directly",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := compileSnippet(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "interp:", err)
			os.Exit(1)
		}
		in := &ir.Interp{Locals: parseLocals(), Mem: make([]byte, 1<<16)}
		res, err := in.Run(f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "run:", err)
			os.Exit(1)
		}
		if res.Exit != nil {
			fmt.Printf("vm exit: %s\n", res.Exit.Tag)
			return
		}
		if res.Returned {
			fmt.Printf("returned %d (0x%s)\n", res.Value, hex.EncodeToString(beUint64(uint64(res.Value))))
		} else {
			fmt.Println("returned void")
		}
	},
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func main() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(interpCmd)

	rootCmd.PersistentFlags().IntVarP(&maxLocals, "max-locals", "l", 4, "method max_locals")
	rootCmd.PersistentFlags().IntVarP(&maxStack, "max-stack", "s", 4, "method max_stack")
	rootCmd.PersistentFlags().StringVarP(&localsArg, "locals", "", "", "comma-separated initial local values (interp only)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
