package session

import (
	"github.com/gorilla/rpc"
	gorillajson "github.com/gorilla/rpc/json"
)

const serviceName = "hsm"

var globalHSMService HSMService

// CreateRPCServer exposes the HSM service over JSON-RPC. Methods are
// called as "hsm.<Method>".
func CreateRPCServer() (*rpc.Server, error) {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(gorillajson.NewCodec(), "application/json")
	err := rpcServer.RegisterTCPService(&globalHSMService, serviceName)
	return rpcServer, err
}

// StartService starts the service behind the RPC server without a client
// call.
func StartService(args *StartRequest) error {
	return globalHSMService.Start(args, &struct{}{})
}

// StopService stops the service if it is running.
func StopService() {
	_ = globalHSMService.Stop(&struct{}{}, &struct{}{})
}
