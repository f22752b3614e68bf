package core

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mikey-austin/glassroll/internal/ports"
	"github.com/mikey-austin/glassroll/pkg/roll"
)

// Service orchestrates roll CLI use cases.
type Service struct {
	Broker   ports.Broker
	Resolver Resolver
	Clock    ports.Clock
	IDGen    ports.IDGen
	Config   Config
}

// ListNodes returns presence entries, optionally filtered by kind, sorted by name.
func (s Service) ListNodes(ctx context.Context, kind string) (NodesResult, error) {
	nodes, err := s.Broker.ListPresence(ctx)
	if err != nil {
		return NodesResult{}, WrapError(ExitRuntime, "list nodes", err)
	}
	nodes = filterPresenceByKind(nodes, kind)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	return NodesResult{Nodes: nodes}, nil
}

// Status returns the retained state of a gallery.
func (s Service) Status(ctx context.Context, selector string) (StatusResult, error) {
	node, err := s.Resolver.ResolveGallery(ctx, selector)
	if err != nil {
		return StatusResult{}, err
	}
	state, err := s.Broker.GetGalleryState(ctx, node.NodeID)
	if err != nil {
		return StatusResult{}, WrapError(ExitUnavailable, "get gallery state", err)
	}
	return StatusResult{Gallery: node, State: state}, nil
}

// Load rebuilds the gallery index. Empty directories and kinds load the
// node's configured sources.
func (s Service) Load(ctx context.Context, selector string, directories []string, kinds []string, rescan bool) (PositionResult, error) {
	body := roll.GalleryLoadBody{Directories: directories, Kinds: kinds, Rescan: rescan}
	return s.position(ctx, selector, roll.CmdGalleryLoad, body)
}

// Next advances the gallery cursor.
func (s Service) Next(ctx context.Context, selector string) (PositionResult, error) {
	return s.position(ctx, selector, roll.CmdGalleryNext, struct{}{})
}

// Current reports the gallery cursor.
func (s Service) Current(ctx context.Context, selector string) (PositionResult, error) {
	return s.position(ctx, selector, roll.CmdGalleryCurrent, struct{}{})
}

// List returns a page of the gallery index.
func (s Service) List(ctx context.Context, selector string, start int64, count int64) (ListResult, error) {
	node, reply, err := s.send(ctx, selector, roll.CmdGalleryList, roll.GalleryListBody{Start: start, Count: count})
	if err != nil {
		return ListResult{}, err
	}
	var body roll.GalleryListReply
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		return ListResult{}, WrapError(ExitRuntime, "decode list reply", err)
	}
	return ListResult{Gallery: node, List: body}, nil
}

// Delete deletes the gallery's current record.
func (s Service) Delete(ctx context.Context, selector string) (DeleteResult, error) {
	node, reply, err := s.send(ctx, selector, roll.CmdGalleryDelete, struct{}{})
	if err != nil {
		return DeleteResult{}, err
	}
	var body roll.DeleteReply
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		return DeleteResult{}, WrapError(ExitRuntime, "decode delete reply", err)
	}
	return DeleteResult{Gallery: node, Deleted: body.Deleted, Position: body.Position}, nil
}

func (s Service) position(ctx context.Context, selector string, cmdType string, body any) (PositionResult, error) {
	node, reply, err := s.send(ctx, selector, cmdType, body)
	if err != nil {
		return PositionResult{}, err
	}
	var payload roll.PositionReply
	if err := json.Unmarshal(reply.Body, &payload); err != nil {
		return PositionResult{}, WrapError(ExitRuntime, "decode position reply", err)
	}
	return PositionResult{Gallery: node, Position: payload.Position}, nil
}

func (s Service) send(ctx context.Context, selector string, cmdType string, body any) (roll.Presence, roll.ReplyEnvelope, error) {
	node, err := s.Resolver.ResolveGallery(ctx, selector)
	if err != nil {
		return roll.Presence{}, roll.ReplyEnvelope{}, err
	}
	cmd, err := roll.NewCommand(cmdType, body)
	if err != nil {
		return roll.Presence{}, roll.ReplyEnvelope{}, WrapError(ExitRuntime, "build command", err)
	}
	cmd = s.decorateCommand(cmd)

	reply, err := s.Broker.PublishCommand(ctx, node.NodeID, cmd)
	if err != nil {
		return roll.Presence{}, roll.ReplyEnvelope{}, WrapError(ExitUnavailable, "publish command", err)
	}
	if reply.Err != nil {
		return roll.Presence{}, roll.ReplyEnvelope{}, ErrorForReplyCode(reply.Err.Code, reply.Err.Message)
	}
	return node, reply, nil
}

func (s Service) decorateCommand(cmd roll.CommandEnvelope) roll.CommandEnvelope {
	cmd.ID = s.IDGen.NewID()
	cmd.TS = s.Clock.NowUnix()
	cmd.From = s.Config.Identity
	cmd.ReplyTo = s.Broker.ReplyTopic()
	return cmd
}
