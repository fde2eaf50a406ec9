package server

import (
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	authv1 "campus-auth/backend/api/auth/v1"
	sessionv1 "campus-auth/backend/api/session/v1"
	identityservice "campus-auth/backend/internal/identity/service"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
	impls    map[string]interface{}
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	if m.impls == nil {
		m.impls = map[string]interface{}{}
	}
	m.services = append(m.services, desc.ServiceName)
	m.impls[desc.ServiceName] = impl
}

func TestRegisterServices_AllServicesRegistered(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{Auth: &identityservice.AuthService{}, Health: health.NewServer()})

	want := append(append([]string{}, ServiceNames...), healthpb.Health_ServiceDesc.ServiceName)
	if len(reg.services) != len(want) {
		t.Fatalf("registered %v, want %v", reg.services, want)
	}
	for _, name := range want {
		if _, ok := reg.impls[name]; !ok {
			t.Errorf("service %q not registered", name)
		}
	}
}

func TestRegisterServices_NilDependencies(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})

	if len(reg.services) != len(ServiceNames) {
		t.Errorf("registered %v, want %v (health skipped when nil)", reg.services, ServiceNames)
	}
	if _, ok := reg.impls[healthpb.Health_ServiceDesc.ServiceName]; ok {
		t.Error("health service registered without a health server")
	}
}

func TestPublicMethods(t *testing.T) {
	public := PublicMethods()
	for _, m := range []string{authv1.LoginMethod, authv1.RefreshMethod, authv1.LogoutMethod, healthpb.Health_Check_FullMethodName} {
		if !public[m] {
			t.Errorf("%s should be public", m)
		}
	}
	if public["/"+sessionv1.ServiceName+"/ListSessions"] {
		t.Error("ListSessions must require authentication")
	}
}
