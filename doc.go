// Package rabbitlog ships log events to a RabbitMQ topic exchange.
//
// A Target accepts one event at a time and publishes it fire-and-forget.
// If the broker is down the event is kept in a bounded in-memory backlog and
// delivered, in arrival order, by the first write that finds the broker
// reachable again. Writes never return errors to the caller; failures are
// reported through the target's own slog logger.
//
// Handler adapts a Target to log/slog:
//
//	target, err := rabbitlog.NewTarget(config.Default())
//	if err != nil {
//	    return err
//	}
//	defer target.Close(context.Background())
//
//	logger := slog.New(rabbitlog.NewHandler(target, &rabbitlog.HandlerOptions{
//	    LoggerName: "orders",
//	}))
//	logger.Info("order placed", "id", 42)
//
// The routing key comes from the Topic template: {0} is the level name
// (Trace, Debug, Info, Warn, Error, Fatal) and {1} the logger name.
package rabbitlog
