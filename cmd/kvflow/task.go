package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/basket/kvflow/internal/lineage"
	"github.com/basket/kvflow/internal/runtime"
)

// runTaskCommand executes a single task from a JSON file (or stdin when
// the argument is "-") and prints the result as JSON.
func runTaskCommand(ctx context.Context, runner *runtime.Runner, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kvflow task <input.json>  (use \"-\" for stdin)")
		return 2
	}

	raw, err := readTaskInput(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return 1
	}

	out, err := runner.RunJSON(ctx, raw)
	if err != nil && out.TaskID == "" {
		fmt.Fprintf(os.Stderr, "task failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if err != nil {
		return 1
	}
	return 0
}

func readTaskInput(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

// runShowCommand prints a task's lineage record and stored output.
func runShowCommand(ctx context.Context, st lineage.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kvflow show <task_id>")
		return 2
	}
	taskID := args[0]

	data, ok, err := st.Get(ctx, lineage.MetaKey(taskID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read record: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no lineage record for %q\n", taskID)
		return 1
	}
	record, err := lineage.DecodeRecord(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode record: %v\n", err)
		return 1
	}

	fmt.Printf("task:          %s\n", taskID)
	fmt.Printf("tokens:        %d\n", len(record.TokenIDs))
	fmt.Printf("chain:         %v\n", record.KVChain)
	fmt.Printf("last page len: %d\n", record.KVPageLastLen)

	if text, err := lineage.LoadOutput(ctx, st, taskID); err == nil {
		fmt.Printf("output:\n%s\n", text)
	}
	return 0
}
