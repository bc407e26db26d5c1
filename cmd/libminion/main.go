// Command libminion builds the sandbox as a C shared library:
//
//	go build -buildmode=c-shared -o libminion.so ./cmd/libminion
//
// Every function that takes a handle expects the caller to own it; functions
// documented as consuming a handle invalidate it.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"os"
	"time"

	"invoker/internal/minion"
	"invoker/internal/minion/abi"
	pkgerrors "invoker/pkg/errors"
)

var table = abi.NewTable(func() (minion.Backend, error) {
	cfg, err := minion.LoadConfig(os.Getenv(minion.ConfigEnv))
	if err != nil {
		return nil, err
	}
	return minion.Setup(cfg)
})

func main() {}

// status converts an error into the C return convention: 0 on success,
// otherwise the error code.
func status(err error) C.int {
	if err == nil {
		return 0
	}
	code := pkgerrors.GetCode(err)
	if code == pkgerrors.Success {
		code = pkgerrors.InternalServerError
	}
	return C.int(code)
}

//export minion_setup
func minion_setup() C.uint64_t {
	h, err := table.Setup()
	if err != nil {
		return 0
	}
	return C.uint64_t(h)
}

//export minion_backend_free
func minion_backend_free(b C.uint64_t) C.int {
	return status(table.BackendFree(abi.Handle(b)))
}

//export minion_dominion_options_create
func minion_dominion_options_create() C.uint64_t {
	return C.uint64_t(table.DominionOptionsCreate())
}

//export minion_dominion_options_time_limit
func minion_dominion_options_time_limit(o C.uint64_t, seconds, nanoseconds C.uint32_t) C.int {
	return status(table.DominionOptionsTimeLimit(abi.Handle(o), uint32(seconds), uint32(nanoseconds)))
}

//export minion_dominion_options_process_limit
func minion_dominion_options_process_limit(o C.uint64_t, limit C.uint32_t) C.int {
	return status(table.DominionOptionsProcessLimit(abi.Handle(o), uint32(limit)))
}

//export minion_dominion_options_memory_limit
func minion_dominion_options_memory_limit(o C.uint64_t, bytes C.uint64_t) C.int {
	return status(table.DominionOptionsMemoryLimit(abi.Handle(o), uint64(bytes)))
}

//export minion_dominion_options_isolation_root
func minion_dominion_options_isolation_root(o C.uint64_t, path *C.char) C.int {
	return status(table.DominionOptionsIsolationRoot(abi.Handle(o), C.GoString(path)))
}

//export minion_dominion_options_free
func minion_dominion_options_free(o C.uint64_t) C.int {
	return status(table.DominionOptionsFree(abi.Handle(o)))
}

//export minion_dominion_create
func minion_dominion_create(b, o C.uint64_t) C.uint64_t {
	h, err := table.DominionCreate(abi.Handle(b), abi.Handle(o))
	if err != nil {
		return 0
	}
	return C.uint64_t(h)
}

// minion_dominion_clone consumes d and writes two new handles.
//
//export minion_dominion_clone
func minion_dominion_clone(d C.uint64_t, out1, out2 *C.uint64_t) C.int {
	h1, h2, err := table.DominionClone(abi.Handle(d))
	if err != nil {
		return status(err)
	}
	*out1 = C.uint64_t(h1)
	*out2 = C.uint64_t(h2)
	return 0
}

//export minion_dominion_free
func minion_dominion_free(d C.uint64_t) C.int {
	return status(table.DominionFree(abi.Handle(d)))
}

// minion_cp_options_create consumes the dominion handle.
//
//export minion_cp_options_create
func minion_cp_options_create(d C.uint64_t) C.uint64_t {
	h, err := table.ChildProcessOptionsCreate(abi.Handle(d))
	if err != nil {
		return 0
	}
	return C.uint64_t(h)
}

//export minion_cp_options_set_image_path
func minion_cp_options_set_image_path(o C.uint64_t, path *C.char) C.int {
	return status(table.ChildProcessOptionsSetImagePath(abi.Handle(o), C.GoString(path)))
}

//export minion_cp_options_add_arg
func minion_cp_options_add_arg(o C.uint64_t, arg *C.char) C.int {
	return status(table.ChildProcessOptionsAddArg(abi.Handle(o), C.GoString(arg)))
}

//export minion_cp_options_add_env
func minion_cp_options_add_env(o C.uint64_t, name, value *C.char) C.int {
	return status(table.ChildProcessOptionsAddEnv(abi.Handle(o), C.GoString(name), C.GoString(value)))
}

//export minion_cp_options_set_pwd
func minion_cp_options_set_pwd(o C.uint64_t, pwd *C.char) C.int {
	return status(table.ChildProcessOptionsSetPwd(abi.Handle(o), C.GoString(pwd)))
}

// member: 0 stdin, 1 stdout, 2 stderr.
//
//export minion_cp_options_set_stdio_handle
func minion_cp_options_set_stdio_handle(o C.uint64_t, member C.uint8_t, handle C.uint64_t) C.int {
	return status(table.ChildProcessOptionsSetStdioHandle(abi.Handle(o), abi.StdioMember(member), uint64(handle)))
}

//export minion_cp_options_free
func minion_cp_options_free(o C.uint64_t) C.int {
	return status(table.ChildProcessOptionsFree(abi.Handle(o)))
}

//export minion_cp_spawn
func minion_cp_spawn(b, o C.uint64_t) C.uint64_t {
	h, err := table.Spawn(abi.Handle(b), abi.Handle(o))
	if err != nil {
		return 0
	}
	return C.uint64_t(h)
}

// minion_cp_wait returns 0 exited, 1 timeout, 2 already finished, or -1.
// A negative timeout waits forever.
//
//export minion_cp_wait
func minion_cp_wait(cp C.uint64_t, timeoutMs C.int64_t) C.int {
	timeout := minion.WaitForever
	if timeoutMs >= 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	outcome, err := table.ChildProcessWait(abi.Handle(cp), timeout)
	if err != nil {
		return -1
	}
	return C.int(outcome)
}

//export minion_cp_kill
func minion_cp_kill(cp C.uint64_t) C.int {
	return status(table.ChildProcessKill(abi.Handle(cp)))
}

// minion_cp_exit_code returns 1 and stores the code once the process exited,
// 0 while it is running, or -1 on error.
//
//export minion_cp_exit_code
func minion_cp_exit_code(cp C.uint64_t, out *C.int64_t) C.int {
	code, ok, err := table.ChildProcessExitCode(abi.Handle(cp))
	if err != nil {
		return -1
	}
	if !ok {
		return 0
	}
	*out = C.int64_t(code)
	return 1
}

//export minion_cp_free
func minion_cp_free(cp C.uint64_t) C.int {
	return status(table.ChildProcessFree(abi.Handle(cp)))
}
