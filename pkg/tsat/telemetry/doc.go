// Package telemetry ingests spacecraft telemetry and feeds sensor readings to
// tsat estimators.
//
// Every downlink frame is an RTP packet: the payload type carries the message
// id from the spacecraft's message table, the SSRC identifies the spacecraft
// and the sequence number is used for loss accounting. The Receiver is a Pion
// interceptor; it decodes messages from bound remote streams and sends RTCP
// receiver reports back through the bound RTCP writer.
//
// Frames reach the Receiver through one of the transports:
//
//   - Listener reads RTP datagrams from a UDP socket and answers with RTCP
//     receiver reports to the last sender address.
//   - SerialReader reads length-prefixed frames from a serial line.
//   - ReplayPCAP replays UDP telemetry recorded in a pcap capture.
//
// EstimatorHandler turns sensor reading and sensor log entry messages into
// tsat.Measurement values and passes them to a registry:
//
//	registry, _ := tsat.NewDefaultRegistry(tsat.DefaultPIDConfig(), nil, nil)
//	receiver := telemetry.NewReceiver(telemetry.EstimatorHandler(registry))
//	listener, _ := telemetry.ListenUDP(":9999", receiver)
//	go listener.Serve(ctx)
package telemetry
