// Package hostapi registers the built-in capabilities of the host.
package hostapi

import (
	"context"
	"os"

	"github.com/lzy19926/lzy-code-editor/internal/capability"
	"github.com/lzy19926/lzy-code-editor/internal/fileservice"
	"github.com/lzy19926/lzy-code-editor/internal/terminal"
	"github.com/lzy19926/lzy-code-editor/pkg/models"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Version is reported by ping.
var Version = "dev"

// API holds the services the capabilities call into.
type API struct {
	Files     *fileservice.Service
	Terminals *terminal.Manager
}

// Register adds every built-in capability to reg. It does not seal reg.
func (a *API) Register(reg *capability.Registry) error {
	ops := []struct {
		name    string
		handler capability.Handler
	}{
		{protocol.OpReadFileText, capability.Typed(a.readFileText)},
		{protocol.OpReadFileBuffer, capability.Typed(a.readFileBuffer)},
		{protocol.OpWriteFileText, capability.Typed(a.writeFileText)},
		{protocol.OpGetFileTree, capability.Typed(a.getFileTree)},
		{protocol.OpCreateTerminal, capability.Typed(a.createTerminal)},
		{protocol.OpCloseTerminal, capability.Typed(a.closeTerminal)},
		{protocol.OpPing, capability.Typed(a.ping)},
	}
	for _, op := range ops {
		if err := reg.Register(op.name, op.handler); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) readFileText(ctx context.Context, p protocol.ReadFileTextParams) (string, error) {
	return a.Files.ReadText(ctx, p.Path, p.Charset)
}

func (a *API) readFileBuffer(ctx context.Context, p protocol.ReadFileBufferParams) ([]byte, error) {
	return a.Files.ReadBuffer(ctx, p.Path)
}

func (a *API) writeFileText(ctx context.Context, p protocol.WriteFileTextParams) (any, error) {
	return nil, a.Files.WriteText(ctx, p.Path, p.Text)
}

func (a *API) getFileTree(ctx context.Context, _ struct{}) (*models.FileTreeNode, error) {
	return a.Files.PickTree(ctx)
}

func (a *API) createTerminal(ctx context.Context, _ struct{}) (protocol.TerminalHandle, error) {
	s, err := a.Terminals.Create(ctx)
	if err != nil {
		return protocol.TerminalHandle{}, err
	}
	return s.Handle(), nil
}

func (a *API) closeTerminal(ctx context.Context, p protocol.TerminalParams) (any, error) {
	return nil, a.Terminals.Close(ctx, p.ID)
}

func (a *API) ping(ctx context.Context, _ struct{}) (protocol.PingResult, error) {
	return protocol.PingResult{Version: Version, PID: os.Getpid()}, nil
}
