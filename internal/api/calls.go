package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/icscope/internal/store"
)

func registerCallHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type listCallsInput struct {
		CanisterID string `query:"canister_id" doc:"Filter by canister principal (textual form)"`
		Method     string `query:"method" doc:"Filter by method name"`
		Status     string `query:"status" doc:"Filter by terminal status (replied, rejected, done, unknown...)"`
		Limit      int    `query:"limit" default:"100" doc:"Page size, capped at 500"`
		Offset     int    `query:"offset" default:"0"`
	}
	type listCallsOutput struct {
		Body struct {
			Calls []store.CallRow `json:"calls"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-calls", Method: http.MethodGet, Path: "/api/v1/calls", Summary: "List observed calls, newest first", Tags: []string{"Calls"}},
		func(ctx context.Context, input *listCallsInput) (*listCallsOutput, error) {
			calls, err := svc.ListCalls(ctx, store.ListFilter{
				CanisterID: input.CanisterID,
				Method:     input.Method,
				Status:     input.Status,
				Limit:      input.Limit,
				Offset:     input.Offset,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listCallsOutput{}
			out.Body.Calls = calls
			if out.Body.Calls == nil {
				out.Body.Calls = []store.CallRow{}
			}
			return out, nil
		})

	type getCallInput struct {
		MessageID string `path:"message_id" doc:"Hex request id of the call"`
	}
	type getCallOutput struct {
		Body store.CallRow
	}
	huma.Register(api, huma.Operation{OperationID: "get-call", Method: http.MethodGet, Path: "/api/v1/calls/{message_id}", Summary: "Get one observed call by message id", Tags: []string{"Calls"}},
		func(ctx context.Context, input *getCallInput) (*getCallOutput, error) {
			row, ok, err := svc.GetCall(ctx, input.MessageID)
			if err != nil {
				return nil, mapErr(err)
			}
			if !ok {
				return nil, huma.Error404NotFound("no call with message id " + input.MessageID)
			}
			out := &getCallOutput{}
			out.Body = row
			return out, nil
		})

	type statsOutput struct {
		Body Stats
	}
	huma.Register(api, huma.Operation{OperationID: "stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Observer counters", Tags: []string{"Stats"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statsOutput{}
			out.Body = stats
			return out, nil
		})
}
