// Package tlsutil 统一出站连接（LLM、向量化服务、Redis）与 HTTPS 服务端的 TLS 设置：
// 最低 TLS 1.2，仅 AEAD 套件。
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"
)

var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

func harden(cfg *tls.Config) *tls.Config {
	cfg.MinVersion = tls.VersionTLS12
	cfg.CipherSuites = slices.Clone(aeadSuites)
	return cfg
}

// ClientConfig 出站连接用。serverName 为空时由拨号地址推断。
func ClientConfig(serverName string) *tls.Config {
	return harden(&tls.Config{ServerName: serverName})
}

// ServerConfig HTTPS 监听用，证书由调用方填充或走 LoadServerConfig。
func ServerConfig() *tls.Config {
	return harden(&tls.Config{CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256}})
}

// LoadServerConfig 读取证书与私钥并返回完整的服务端配置。
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	cfg := ServerConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// Transport 上游数量少、长连接为主，连接池按此调小。
func Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       ClientConfig(""),
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: Transport()}
}
