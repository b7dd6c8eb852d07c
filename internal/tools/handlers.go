package tools

import (
	"context"
	"encoding/json"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// Handlers validate arguments locally, then relay the raw payload to the
// upstream unchanged. Validation failures never reach the hub.

func HandleGetEntities(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params GetEntitiesParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
		}
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "get_entities", raw)
}

func HandleGetEntity(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params GetEntityParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "get_entity", raw)
}

func HandleGetHistory(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params GetHistoryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "get_history", raw)
}

func HandleGetServices(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params GetServicesParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
		}
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "get_services", raw)
}

func HandleCallService(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params CallServiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "call_service", raw)
}

func HandleSetEntityState(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
	var params SetEntityStateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid parameters")
	}
	if err := params.Validate(); err != nil {
		return nil, errx.New(errx.KindInvalidArgument, err.Error())
	}
	return caller.CallTool(ctx, "set_entity_state", raw)
}

// relayHandler forwards the call unchanged, for tools with no arguments to
// validate.
func relayHandler(name string) Handler {
	return func(ctx context.Context, caller Caller, raw json.RawMessage) (json.RawMessage, error) {
		return caller.CallTool(ctx, name, raw)
	}
}
