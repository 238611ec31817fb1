package server

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/flight"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
	"github.com/arrowport/arrowport/pkg/loader"
	"github.com/arrowport/arrowport/pkg/logger"
)

// putCommand is the JSON command carried by a DoPut flight descriptor.
type putCommand struct {
	StreamName string               `json:"stream_name"`
	Config     *config.StreamConfig `json:"config,omitempty"`
}

// putAck is the per-batch acknowledgement returned as PutResult
// app metadata.
type putAck struct {
	RowsProcessed int64 `json:"rows_processed"`
}

// flightService is the streaming intake. Each DoPut call is one ingest
// session: batches arrive over a single gRPC stream and are appended
// through the loader's session protocol, so an embedded-backed session
// that drops mid-stream commits nothing.
type flightService struct {
	flight.BaseFlightServer

	loader *loader.Loader
	cfg    *config.Store
	logger *zap.Logger
}

func (s *flightService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed record stream: "+err.Error())
	}
	defer rdr.Release()

	cmd, err := parsePutDescriptor(rdr.LatestFlightDescriptor())
	if err != nil {
		return err
	}

	ctx := logger.ContextWithSessionID(stream.Context(), uuid.NewString())
	sess, err := s.loader.BeginSession(ctx, cmd.StreamName, cmd.Config)
	if err != nil {
		return grpcError(err)
	}

	log := s.logger.With(logger.ContextFields(ctx)...)
	log.Info("ingest session opened",
		zap.String("stream", cmd.StreamName),
		zap.String("backend", string(sess.Backend())))

	for rdr.Next() {
		rec := rdr.Record()
		rows, err := sess.Append(ctx, rec)
		if err != nil {
			_ = sess.Abort(ctx)
			return grpcError(err)
		}
		ack, _ := json.Marshal(putAck{RowsProcessed: rows})
		if err := stream.Send(&flight.PutResult{AppMetadata: ack}); err != nil {
			_ = sess.Abort(ctx)
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		_ = sess.Abort(ctx)
		return status.Error(codes.InvalidArgument, "record stream failed: "+err.Error())
	}

	if err := sess.Close(ctx); err != nil {
		return grpcError(err)
	}

	log.Info("ingest session committed",
		zap.String("stream", cmd.StreamName),
		zap.Int64("rows", sess.Rows()))
	return nil
}

// ListFlights enumerates the configured streams.
func (s *flightService) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	snap := s.cfg.Snapshot()
	for name := range snap.Streams {
		info, err := s.flightInfo(name)
		if err != nil {
			return err
		}
		if err := fs.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// GetFlightInfo describes one stream by descriptor.
func (s *flightService) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	cmd, err := parsePutDescriptor(desc)
	if err != nil {
		return nil, err
	}
	return s.flightInfo(cmd.StreamName)
}

func (s *flightService) flightInfo(stream string) (*flight.FlightInfo, error) {
	resolved := s.cfg.Resolve(stream, nil)
	cmd, err := json.Marshal(putCommand{StreamName: stream, Config: &resolved})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &flight.FlightInfo{
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorCMD,
			Cmd:  cmd,
		},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// parsePutDescriptor extracts the stream name and optional config
// override. Command descriptors carry a JSON body; path descriptors
// name the stream as their first element.
func parsePutDescriptor(desc *flight.FlightDescriptor) (*putCommand, error) {
	if desc == nil {
		return nil, status.Error(codes.InvalidArgument, "missing flight descriptor")
	}
	switch desc.Type {
	case flight.DescriptorCMD:
		var cmd putCommand
		if err := json.Unmarshal(desc.Cmd, &cmd); err != nil {
			return nil, status.Error(codes.InvalidArgument, "descriptor command is not valid JSON: "+err.Error())
		}
		if cmd.StreamName == "" {
			return nil, status.Error(codes.InvalidArgument, "descriptor command missing stream_name")
		}
		return &cmd, nil
	case flight.DescriptorPATH:
		if len(desc.Path) == 0 || desc.Path[0] == "" {
			return nil, status.Error(codes.InvalidArgument, "descriptor path is empty")
		}
		return &putCommand{StreamName: desc.Path[0]}, nil
	default:
		return nil, status.Error(codes.InvalidArgument, "unsupported descriptor type")
	}
}

// grpcError maps the error taxonomy onto gRPC status codes.
func grpcError(err error) error {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeDecode, errors.ErrorTypeUnsupportedCodec, errors.ErrorTypeConfig:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrorTypeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrorTypeSchemaMismatch:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrorTypeWriteConflict:
		return status.Error(codes.Aborted, err.Error())
	case errors.ErrorTypeTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
