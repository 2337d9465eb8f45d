package nxmtest

// DefaultDocument is a small but complete appliance document: two inputs,
// one output and one aux destination.
const DefaultDocument = `{
  "Device": {
    "AvioV2": {
      "GlobalConfig": {"GlobalEdid": "DM Default", "GlobalEdidType": "system"},
      "Inputs": {
        "Input1": {
          "UserSpecifiedName": "Lectern PC",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": true, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "InputInfo": {"Ports": {"Port1": {"PortType": "Hdmi", "IsSyncDetected": true}}}
        },
        "Input2": {
          "UserSpecifiedName": "Wall Plate",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": true, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "InputInfo": {"Ports": {"Port1": {"PortType": "Hdmi", "IsSyncDetected": false}}}
        }
      },
      "Outputs": {
        "Output1": {
          "UserSpecifiedName": "Projector",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": true, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "OutputInfo": {"Ports": {"Port1": {"PortType": "Hdmi", "IsSinkConnected": true}}}
        },
        "Aux1": {
          "UserSpecifiedName": "Amp",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": false, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "OutputInfo": {"Ports": {"Port1": {"PortType": "Audio"}}}
        }
      },
      "Version": "2.1.0"
    },
    "AvMatrixRoutingV2": {
      "Config": {"Output1": {"VideoSourceConfigured": "Input1"}},
      "Routes": {
        "Output1": {"AudioSource": "Input1", "VideoSource": "Input1"},
        "Aux1": {"AudioSource": "No Input"}
      },
      "IsAutomaticRoutingEnabled": false,
      "IsFollowOutputEnabled": false,
      "IsPriorityRoutingEnabled": false,
      "Version": "1.0.0"
    }
  }
}`
